// Package reconcile heals history entries left in a non-terminal status
// after crashes or missed bookkeeping updates.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/aryasadewa/wagateway/internal/history"
	"github.com/aryasadewa/wagateway/internal/outbox"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const fixedBy = "reconciler"

// Report summarizes a repair pass.
type Report struct {
	Scanned int    `json:"scanned"`
	Fixed   int    `json:"fixed"`
	Errors  int    `json:"errors"`
	Backup  string `json:"backup,omitempty"`
}

// Reconciler compares the sent terminal area against the history store and
// forces entries stuck in pending to sent. Matching reuses the store's fuzzy
// criteria; records are read-only here except for their status-patch fields.
type Reconciler struct {
	queue *outbox.Queue
	store *history.Store
}

// New creates a reconciler over the queue's terminal areas and the store.
func New(queue *outbox.Queue, store *history.Store) *Reconciler {
	return &Reconciler{queue: queue, store: store}
}

// RepairAll scans every record archived as sent and repairs each matching
// pending history entry. A timestamped backup of the history document is
// written before the first mutation. Non-matching pending entries are left
// untouched.
func (r *Reconciler) RepairAll(ctx context.Context) (Report, error) {
	var report Report

	files, err := r.sentFiles()
	if err != nil {
		return report, err
	}
	report.Scanned = len(files)
	if len(files) == 0 {
		return report, nil
	}

	backup, err := r.store.Backup()
	if err != nil {
		return report, fmt.Errorf("backup history before repair: %w", err)
	}
	report.Backup = backup

	for _, path := range files {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		rec, err := readArchivedRecord(path)
		if err != nil {
			slog.Error("failed to read sent archive", "file", path, "error", err)
			report.Errors++
			continue
		}
		if rec.TargetNumber == "" && rec.OriginalNumber == "" {
			continue
		}
		if rec.TimestampMs == 0 {
			continue
		}

		fixed, err := r.repairRecord(rec)
		if err != nil {
			slog.Error("failed to repair history entry", "file", path, "error", err)
			report.Errors++
			continue
		}
		if !fixed {
			continue
		}

		report.Fixed++
		r.stampArchive(path, rec)
	}

	slog.Info("repair pass finished",
		"scanned", report.Scanned,
		"fixed", report.Fixed,
		"errors", report.Errors,
	)
	return report, nil
}

// RepairOne performs the same fix for one explicit (address, timestamp)
// pair, without scanning the sent area. Intended for operator-directed
// correction.
func (r *Reconciler) RepairOne(address string, timestampMs int64) (bool, error) {
	fixed, err := r.store.ForcePendingSent(history.MatchCriteria{
		Target:    address,
		Timestamp: time.UnixMilli(timestampMs),
	}, "", fixedBy)
	if err != nil {
		return false, err
	}
	if fixed {
		slog.Info("pending entry repaired", "address", address, "timestamp_ms", timestampMs)
	}
	return fixed, nil
}

// CheckPending looks for pending history entries whose matching sent archive
// exists and repairs them. Used by the monitor loop.
func (r *Reconciler) CheckPending(ctx context.Context) (int, error) {
	pending, err := r.store.List(history.Filter{Status: history.StatusPending})
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	slog.Info("found pending history entries", "count", len(pending))

	files, err := r.sentFiles()
	if err != nil {
		return 0, err
	}

	fixed := 0
	for _, entry := range pending {
		select {
		case <-ctx.Done():
			return fixed, ctx.Err()
		default:
		}

		rec := r.findSentArchive(files, entry)
		if rec == nil {
			continue
		}

		ok, err := r.repairRecord(rec)
		if err != nil {
			slog.Error("failed to auto-repair pending entry", "target", entry.TargetNumber, "error", err)
			continue
		}
		if ok {
			fixed++
		}
	}
	return fixed, nil
}

func (r *Reconciler) repairRecord(rec *outbox.Record) (bool, error) {
	target := rec.OriginalNumber
	if target == "" {
		target = rec.TargetNumber
	}
	return r.store.ForcePendingSent(history.MatchCriteria{
		Target:    target,
		Message:   rec.Message,
		Timestamp: time.UnixMilli(rec.TimestampMs),
	}, rec.SentAt, fixedBy)
}

// findSentArchive returns the first archived record matching a pending
// entry, or nil.
func (r *Reconciler) findSentArchive(files []string, entry history.Entry) *outbox.Record {
	for _, path := range files {
		rec, err := readArchivedRecord(path)
		if err != nil {
			continue
		}
		criteria := history.MatchCriteria{
			Target:    rec.TargetNumber,
			Message:   rec.Message,
			Timestamp: time.UnixMilli(rec.TimestampMs),
			Tolerance: history.DefaultMatchTolerance,
		}
		if history.Matches(entry, criteria) {
			return rec
		}
	}
	return nil
}

// stampArchive marks the archived record itself as repaired. Best effort.
func (r *Reconciler) stampArchive(path string, rec *outbox.Record) {
	rec.Status = outbox.StatusSent
	rec.ProcessedAt = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err == nil {
		err = os.WriteFile(path, data, 0o644)
	}
	if err != nil {
		slog.Warn("failed to stamp sent archive", "file", path, "error", err)
	}
}

func (r *Reconciler) sentFiles() ([]string, error) {
	entries, err := os.ReadDir(r.queue.SentDir())
	if err != nil {
		return nil, fmt.Errorf("read sent area: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(r.queue.SentDir(), e.Name()))
	}
	return files, nil
}

func readArchivedRecord(path string) (*outbox.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec outbox.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode archived record: %w", err)
	}
	return &rec, nil
}
