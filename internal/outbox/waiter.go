package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Wait errors.
var (
	// ErrDeliveryFailed carries a confirmed send failure reported by the
	// worker.
	ErrDeliveryFailed = errors.New("message delivery failed")
	// ErrWaitTimeout means the wait deadline passed with the record still
	// sitting in the live queue, which counts as a failure.
	ErrWaitTimeout = errors.New("timed out waiting for delivery confirmation")
)

// Wait outcome statuses. Delivery confirmation is best-effort, so success
// comes in three tiers: confirmed by the worker, inferred from the record
// being consumed mid-wait, or assumed at timeout because the record is gone.
const (
	WaitStatusSent      = "sent"
	WaitStatusProcessed = "sent_processed"
	WaitStatusAssumed   = "sent_assumed"
)

// WaiterConfig contains wait loop configuration.
type WaiterConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// DefaultWaiterConfig returns default wait loop configuration.
func DefaultWaiterConfig() WaiterConfig {
	return WaiterConfig{
		PollInterval: 1500 * time.Millisecond,
		Timeout:      45 * time.Second,
	}
}

// WaitResult is the outcome a synchronous caller receives.
type WaitResult struct {
	Status         string `json:"status"`
	TargetNumber   string `json:"targetNumber"`
	OriginalNumber string `json:"originalNumber"`
	Timestamp      string `json:"timestamp"`
	FileName       string `json:"fileName"`
}

// Waiter lets a synchronous caller await the asynchronous delivery outcome
// of a just-enqueued record. It polls the status tracker and the filesystem
// state of the record at a fixed cadence up to a hard timeout. A timed-out
// wait does not abort the underlying send attempt.
type Waiter struct {
	config  WaiterConfig
	queue   *Queue
	tracker *Tracker
}

// NewWaiter creates a waiter over the queue and tracker.
func NewWaiter(config WaiterConfig, queue *Queue, tracker *Tracker) *Waiter {
	return &Waiter{config: config, queue: queue, tracker: tracker}
}

// Wait blocks until the record's outcome is known or the timeout passes.
// On timeout the record's absence from the queue is treated as assumed
// success, its continued presence as failure.
func (w *Waiter) Wait(ctx context.Context, rec *Record, fileName string) (WaitResult, error) {
	result := WaitResult{
		TargetNumber:   rec.TargetNumber,
		OriginalNumber: rec.OriginalNumber,
		Timestamp:      rec.Timestamp,
		FileName:       fileName,
	}

	slog.Info("waiting for delivery confirmation",
		"jid", rec.TargetNumber,
		"timestamp_ms", rec.TimestampMs,
	)

	deadline := time.NewTimer(w.config.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()

		case <-deadline.C:
			if w.queue.Exists(fileName) {
				slog.Warn("record still queued at wait deadline", "file", fileName)
				return result, ErrWaitTimeout
			}
			slog.Info("record consumed before deadline, assuming delivered", "file", fileName)
			result.Status = WaitStatusAssumed
			return result, nil

		case <-ticker.C:
			outcome, ok := w.tracker.Take(rec.TargetNumber, rec.TimestampMs)
			if ok {
				if !outcome.Success {
					return result, fmt.Errorf("%w: %s", ErrDeliveryFailed, outcome.Error)
				}
				result.Status = WaitStatusSent
				result.Timestamp = outcome.SentAt
				return result, nil
			}
			if !w.queue.Exists(fileName) {
				slog.Debug("record consumed without confirmation, assuming delivered", "file", fileName)
				result.Status = WaitStatusProcessed
				return result, nil
			}
		}
	}
}
