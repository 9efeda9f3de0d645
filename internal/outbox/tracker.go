package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Tracker errors.
var (
	ErrMissingTarget    = errors.New("status update requires a target number")
	ErrMissingTimestamp = errors.New("status update requires a creation timestamp")
)

// Outcome is the delivery result recorded for one message.
type Outcome struct {
	Success   bool
	Error     string
	SentAt    string
	UpdatedAt time.Time
}

// Tracker is a process-local map from message identity to delivery outcome.
// The worker records outcomes here so a synchronous caller can await them.
// Entries are disposable: consumed by Take or garbage-collected after the
// retention window, whichever comes first. The history store remains the
// long-term source of truth.
type Tracker struct {
	retention time.Duration

	mu      sync.Mutex
	entries map[string]Outcome
}

// NewTracker creates a tracker with the given retention window.
func NewTracker(retention time.Duration) *Tracker {
	return &Tracker{
		retention: retention,
		entries:   make(map[string]Outcome),
	}
}

// Key builds the tracker key for a message: target address plus creation
// timestamp in milliseconds.
func Key(target string, timestampMs int64) string {
	return fmt.Sprintf("%s_%d", target, timestampMs)
}

// Set records a delivery outcome. Target and timestamp are mandatory so a
// waiting caller can ever find the entry again.
func (t *Tracker) Set(target string, timestampMs int64, success bool, errMsg, sentAt string) error {
	if target == "" {
		return ErrMissingTarget
	}
	if timestampMs == 0 {
		return ErrMissingTimestamp
	}

	if sentAt == "" {
		sentAt = nowISO()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[Key(target, timestampMs)] = Outcome{
		Success:   success,
		Error:     errMsg,
		SentAt:    sentAt,
		UpdatedAt: time.Now(),
	}
	return nil
}

// Take returns and removes the outcome for a message, if present.
func (t *Tracker) Take(target string, timestampMs int64) (Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := Key(target, timestampMs)
	outcome, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	return outcome, ok
}

// Len returns the number of unconsumed outcomes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// RunGC drops entries older than the retention window on a fixed schedule,
// independent of whether they were ever read, until ctx is done.
func (t *Tracker) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := t.gc(time.Now()); dropped > 0 {
				slog.Debug("cleaned up stale status entries", "dropped", dropped, "remaining", t.Len())
			}
		}
	}
}

func (t *Tracker) gc(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for key, outcome := range t.entries {
		if now.Sub(outcome.UpdatedAt) > t.retention {
			delete(t.entries, key)
			dropped++
		}
	}
	return dropped
}
