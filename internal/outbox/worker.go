package outbox

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/aryasadewa/wagateway/internal/history"
	"github.com/aryasadewa/wagateway/internal/phone"
	"github.com/aryasadewa/wagateway/internal/sender"
)

// WorkerConfig contains delivery worker configuration.
type WorkerConfig struct {
	PollInterval   time.Duration
	SendTimeout    time.Duration
	UpdateAttempts int
	UpdateBackoff  time.Duration
	MessageGap     time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:   3 * time.Second,
		SendTimeout:    20 * time.Second,
		UpdateAttempts: 3,
		UpdateBackoff:  time.Second,
		MessageGap:     time.Second,
	}
}

// HistoryUpdater reconciles delivery outcomes into the history store.
type HistoryUpdater interface {
	UpdateStatus(u history.StatusUpdate) error
}

// Worker drains the queue: it claims each record, normalizes the address,
// invokes the send capability under a timeout, patches the status tracker
// and the history store, and archives the record into a terminal area. The
// live record is removed unconditionally, so the queue always drains.
//
// Claim state lives only in memory. After a crash any record still present
// in the queue directory is re-attempted from scratch, which makes delivery
// at-least-once: a send that succeeded right before the crash can repeat.
type Worker struct {
	config  WorkerConfig
	queue   *Queue
	tracker *Tracker
	history HistoryUpdater
	sender  sender.Sender
	limiter *rate.Limiter

	// processed holds message keys handled in this process lifetime, so a
	// duplicate file never triggers a second send.
	processedMu sync.Mutex
	processed   map[string]struct{}

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWorker creates a delivery worker.
func NewWorker(config WorkerConfig, queue *Queue, tracker *Tracker, hist HistoryUpdater, snd sender.Sender) *Worker {
	return &Worker{
		config:    config,
		queue:     queue,
		tracker:   tracker,
		history:   hist,
		sender:    snd,
		limiter:   rate.NewLimiter(rate.Every(config.MessageGap), 1),
		processed: make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the worker loop.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting outbox worker",
		"poll_interval", w.config.PollInterval,
		"send_timeout", w.config.SendTimeout,
	)

	w.wg.Add(1)
	go w.run(ctx)
}

// Stop waits for the current pass to finish and stops the loop.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("outbox worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.CheckNow(ctx)
		}
	}
}

// CheckNow runs one queue-drain pass. If a pass is already in flight the
// call skips cleanly instead of overlapping it.
func (w *Worker) CheckNow(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		slog.Debug("previous outbox pass still running, skipping tick")
		return
	}
	defer w.running.Store(false)

	names, err := w.queue.ListPending()
	if err != nil {
		slog.Error("failed to list outbox", "error", err)
		return
	}
	if len(names) == 0 {
		return
	}

	slog.Info("processing outbox", "count", len(names))
	recordFetched(len(names))

	for _, name := range names {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if !w.queue.Claim(name) {
			continue
		}
		w.processRecord(ctx, name)

		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
	}
}

// processRecord drives one record through Claimed → {Sent|Failed} →
// Archived. The live file is deleted regardless of outcome.
func (w *Worker) processRecord(ctx context.Context, name string) {
	defer func() {
		if err := w.queue.Remove(name); err != nil {
			slog.Error("failed to remove queue record", "file", name, "error", err)
		}
		w.queue.Release(name)
	}()

	rec, err := w.queue.Read(name)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("queue record vanished before processing", "file", name)
			return
		}
		slog.Error("failed to read queue record", "file", name, "error", err)
		recordProcessed("unreadable")
		return
	}

	if rec.TargetNumber == "" || rec.Message == "" {
		w.failRecord(name, rec, "record is missing target number or message")
		return
	}

	w.ensureTimestamp(rec)

	key := rec.Key()
	if w.alreadyProcessed(key) {
		slog.Warn("duplicate queue record dropped", "key", key, "file", name)
		recordProcessed("duplicate")
		return
	}
	rec.UniqueKey = key

	jid, err := w.resolveJID(rec)
	if err != nil {
		w.failRecord(name, rec, "invalid number format: "+err.Error())
		return
	}

	slog.Info("sending message", "jid", jid, "file", name)

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	receipt, err := w.sender.Send(sendCtx, jid, rec.Message)
	cancel()
	recordSendDuration(time.Since(start))

	if err != nil {
		w.failRecord(name, rec, err.Error())
		return
	}

	w.completeRecord(name, rec, jid, receipt)
}

// completeRecord handles the Sent transition: two independent best-effort
// bookkeeping updates, then archival. A bookkeeping failure never reverses
// the delivery outcome.
func (w *Worker) completeRecord(name string, rec *Record, jid string, receipt sender.Receipt) {
	sentAt := nowISO()
	rec.Status = StatusSent
	rec.SentAt = sentAt
	rec.ActualTarget = jid
	rec.ProcessedAt = sentAt

	trackerOK := w.withRetry("status tracker", func() error {
		return w.tracker.Set(rec.TargetNumber, rec.TimestampMs, true, "", sentAt)
	})
	historyOK := w.withRetry("history store", func() error {
		return w.history.UpdateStatus(history.StatusUpdate{
			Target:         rec.TargetNumber,
			OriginalNumber: rec.OriginalNumber,
			Message:        rec.Message,
			Timestamp:      time.UnixMilli(rec.TimestampMs),
			Status:         history.StatusSent,
			SentAt:         sentAt,
			ActualTarget:   jid,
			UpdatedBy:      "outbox-worker",
		})
	})

	prefix := ""
	switch {
	case trackerOK && historyOK:
		rec.FinalStatus = FinalStatusSent
	case trackerOK:
		rec.FinalStatus = FinalStatusHistoryError
		rec.HistoryUpdateError = "failed to update history status"
		prefix = PartialErrorPrefix
	case historyOK:
		rec.FinalStatus = FinalStatusTrackerError
		rec.StatusUpdateError = "failed to update tracker status"
		prefix = PartialErrorPrefix
	default:
		rec.FinalStatus = FinalStatusAllUpdatesError
		rec.StatusUpdateError = "failed to update tracker status"
		rec.HistoryUpdateError = "failed to update history status"
		prefix = WarningPrefix
	}

	if err := w.queue.ArchiveSent(name, rec, prefix); err != nil {
		slog.Error("failed to archive sent record", "file", name, "error", err)
	}

	recordProcessed(rec.FinalStatus)
	slog.Info("message delivered",
		"jid", jid,
		"receipt_id", receipt.MessageID,
		"final_status", rec.FinalStatus,
	)
}

// failRecord handles the Failed transition: record the error, attempt the
// same bookkeeping updates with success=false, archive into the error area.
func (w *Worker) failRecord(name string, rec *Record, errMsg string) {
	slog.Error("message failed", "file", name, "error", errMsg)

	rec.Status = StatusError
	rec.Error = errMsg
	rec.LastAttempt = nowISO()

	if rec.TargetNumber != "" && rec.TimestampMs != 0 {
		w.withRetry("status tracker", func() error {
			return w.tracker.Set(rec.TargetNumber, rec.TimestampMs, false, errMsg, "")
		})
		w.withRetry("history store", func() error {
			return w.history.UpdateStatus(history.StatusUpdate{
				Target:         rec.TargetNumber,
				OriginalNumber: rec.OriginalNumber,
				Message:        rec.Message,
				Timestamp:      time.UnixMilli(rec.TimestampMs),
				Status:         history.StatusError,
				Error:          errMsg,
				UpdatedBy:      "outbox-worker",
			})
		})
	}

	if err := w.queue.ArchiveError(name, rec); err != nil {
		slog.Error("failed to archive error record", "file", name, "error", err)
	}
	recordProcessed("error")
}

// withRetry runs a bookkeeping update with a bounded number of attempts and
// fixed backoff. Returns false once the attempts are exhausted.
func (w *Worker) withRetry(what string, fn func() error) bool {
	for attempt := 1; attempt <= w.config.UpdateAttempts; attempt++ {
		err := fn()
		if err == nil {
			return true
		}
		slog.Warn("bookkeeping update failed",
			"store", what,
			"attempt", attempt,
			"max_attempts", w.config.UpdateAttempts,
			"error", err,
		)
		if attempt < w.config.UpdateAttempts {
			time.Sleep(w.config.UpdateBackoff)
		}
	}
	recordBookkeepingFailure(what)
	return false
}

func (w *Worker) resolveJID(rec *Record) (string, error) {
	raw := rec.TargetNumber
	if rec.OriginalNumber != "" && !isJID(rec.TargetNumber) {
		raw = rec.OriginalNumber
	}

	num, err := phone.Normalize(raw)
	if err != nil {
		return "", err
	}
	return num.JID, nil
}

// ensureTimestamp backfills TimestampMs for records written by older
// producers that only carried the RFC3339 form.
func (w *Worker) ensureTimestamp(rec *Record) {
	if rec.TimestampMs != 0 {
		return
	}
	if rec.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, rec.Timestamp); err == nil {
			rec.TimestampMs = t.UnixMilli()
			return
		}
	}
	now := time.Now()
	rec.TimestampMs = now.UnixMilli()
	rec.Timestamp = now.UTC().Format(time.RFC3339Nano)
}

func (w *Worker) alreadyProcessed(key string) bool {
	w.processedMu.Lock()
	defer w.processedMu.Unlock()
	if _, dup := w.processed[key]; dup {
		return true
	}
	w.processed[key] = struct{}{}
	return false
}

func isJID(s string) bool {
	return strings.HasSuffix(s, phone.JIDSuffix)
}
