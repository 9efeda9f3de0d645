// Package gateway exposes the message pipeline to API callers: enqueue,
// enqueue-and-wait, history queries and repair entry points.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aryasadewa/wagateway/internal/history"
	"github.com/aryasadewa/wagateway/internal/outbox"
	"github.com/aryasadewa/wagateway/internal/phone"
	"github.com/aryasadewa/wagateway/internal/reconcile"
	"github.com/aryasadewa/wagateway/internal/sender"
)

// ErrSenderOffline is returned when a caller asks to wait for delivery while
// the bot process is not available. Plain enqueueing is still allowed.
var ErrSenderOffline = errors.New("whatsapp sender is offline")

// Service coordinates the queue, history store, waiter and reconciler.
type Service struct {
	queue      *outbox.Queue
	store      *history.Store
	waiter     *outbox.Waiter
	sender     sender.Sender
	reconciler *reconcile.Reconciler
}

// NewService creates a gateway service.
func NewService(queue *outbox.Queue, store *history.Store, waiter *outbox.Waiter, snd sender.Sender, reconciler *reconcile.Reconciler) *Service {
	return &Service{
		queue:      queue,
		store:      store,
		waiter:     waiter,
		sender:     snd,
		reconciler: reconciler,
	}
}

// SendInput describes one outbound message request.
type SendInput struct {
	Number          string
	Message         string
	Template        string
	WaitForDelivery bool
}

// SendResult is what the caller gets back. For plain enqueueing Status is
// "queued"; in wait mode it is one of the wait outcome statuses.
type SendResult struct {
	Status         string `json:"status"`
	TargetNumber   string `json:"targetNumber"`
	OriginalNumber string `json:"originalNumber"`
	Timestamp      string `json:"timestamp"`
	FileName       string `json:"fileName"`
}

// Send normalizes the number, records the attempt as pending in history and
// enqueues it. With WaitForDelivery it then blocks for the outcome; wait
// mode requires the sender to be available, plain enqueueing does not.
func (s *Service) Send(ctx context.Context, input SendInput) (*SendResult, error) {
	num, err := phone.Normalize(input.Number)
	if err != nil {
		return nil, err
	}

	if input.WaitForDelivery && !s.sender.Available(ctx) {
		return nil, ErrSenderOffline
	}

	rec, fileName, err := s.queue.Enqueue(num, input.Message, "api")
	if err != nil {
		return nil, err
	}

	// History is appended as pending; the worker flips it to a terminal
	// status after the send attempt.
	if err := s.store.Append(history.Entry{
		TargetNumber: rec.TargetNumber,
		Message:      rec.Message,
		Status:       history.StatusPending,
		SentAt:       rec.Timestamp,
		Template:     input.Template,
	}); err != nil {
		slog.Error("failed to append history entry", "target", rec.TargetNumber, "error", err)
	}

	slog.Info("message queued",
		"jid", rec.TargetNumber,
		"file", fileName,
		"wait", input.WaitForDelivery,
	)

	if !input.WaitForDelivery {
		return &SendResult{
			Status:         "queued",
			TargetNumber:   rec.TargetNumber,
			OriginalNumber: rec.OriginalNumber,
			Timestamp:      rec.Timestamp,
			FileName:       fileName,
		}, nil
	}

	waitRes, err := s.waiter.Wait(ctx, rec, fileName)
	if err != nil {
		return nil, err
	}

	return &SendResult{
		Status:         waitRes.Status,
		TargetNumber:   waitRes.TargetNumber,
		OriginalNumber: waitRes.OriginalNumber,
		Timestamp:      waitRes.Timestamp,
		FileName:       waitRes.FileName,
	}, nil
}

// History lists recorded message attempts matching the filter.
func (s *Service) History(f history.Filter) ([]history.Entry, error) {
	return s.store.List(f)
}

// CleanupHistory collapses duplicate history entries, keeping the most
// recent per target and text.
func (s *Service) CleanupHistory() (kept, removed int, err error) {
	return s.store.CleanDuplicates()
}

// RepairAll runs a full reconciliation pass over the sent area.
func (s *Service) RepairAll(ctx context.Context) (reconcile.Report, error) {
	return s.reconciler.RepairAll(ctx)
}

// RepairOne fixes a single pending entry identified by address and creation
// timestamp.
func (s *Service) RepairOne(address string, timestampMs int64) error {
	fixed, err := s.reconciler.RepairOne(address, timestampMs)
	if err != nil {
		return err
	}
	if !fixed {
		return fmt.Errorf("%w: address %s at %d", history.ErrEntryNotFound, address, timestampMs)
	}
	return nil
}

// SenderOnline reports the availability probe result.
func (s *Service) SenderOnline(ctx context.Context) bool {
	return s.sender.Available(ctx)
}
