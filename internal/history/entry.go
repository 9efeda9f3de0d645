// Package history keeps the durable append-only record of every message
// attempt, independent of the outbox queue.
package history

import (
	"encoding/base64"
	"fmt"
	"time"
)

// EntryStatus is the delivery status stored on a history entry.
type EntryStatus string

// Entry statuses.
const (
	StatusSent    EntryStatus = "sent"
	StatusError   EntryStatus = "error"
	StatusPending EntryStatus = "pending"
)

// Entry is one recorded message attempt.
type Entry struct {
	ID           string      `json:"id"`
	TargetNumber string      `json:"targetNumber"`
	Message      string      `json:"message"`
	Status       EntryStatus `json:"status"`
	SentAt       string      `json:"sentAt"`
	Template     string      `json:"template,omitempty"`
	ActualTarget string      `json:"actualTarget,omitempty"`
	Error        string      `json:"error,omitempty"`

	UpdatedAt       string `json:"updatedAt,omitempty"`
	StatusUpdatedBy string `json:"statusUpdatedBy,omitempty"`
	FixedAt         string `json:"fixedAt,omitempty"`
	FixedBy         string `json:"fixedBy,omitempty"`
}

// MessageID derives the dedup fingerprint for an entry from its target,
// text and approximate timestamp.
func MessageID(target, message, timestamp string) string {
	key := fmt.Sprintf("%s_%s_%s", target, message, timestamp)
	id := base64.StdEncoding.EncodeToString([]byte(key))
	if len(id) > 20 {
		id = id[:20]
	}
	return id
}

// Time returns the entry's best-known timestamp: SentAt when parseable,
// otherwise the zero time.
func (e *Entry) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.SentAt)
	if err != nil {
		t, err = time.Parse(time.RFC3339, e.SentAt)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}
