// Package sender defines the boundary to the external WhatsApp bot process
// that actually transmits messages.
package sender

import (
	"context"
)

// Receipt is the acknowledgment returned by the bot for a transmitted
// message. No idempotency contract is assumed from it.
type Receipt struct {
	MessageID string `json:"id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Sender is the opaque send capability supplied by the external bot process.
type Sender interface {
	// Send transmits text to a canonical JID. The implementation owns the
	// transport; callers own the timeout via ctx.
	Send(ctx context.Context, jid, text string) (Receipt, error)

	// Available reports whether the bot process is healthy enough to accept
	// sends. Used as a boolean precondition only.
	Available(ctx context.Context) bool
}
