package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryasadewa/wagateway/internal/history"
	"github.com/aryasadewa/wagateway/internal/outbox"
)

func newTestReconciler(t *testing.T) (*Reconciler, *outbox.Queue, *history.Store) {
	t.Helper()
	q, err := outbox.NewQueue(t.TempDir())
	require.NoError(t, err)
	s, err := history.NewStore(filepath.Join(t.TempDir(), "history.json"))
	require.NoError(t, err)
	return New(q, s), q, s
}

// archiveSent drops a delivered record into the sent area the way the worker
// leaves it behind.
func archiveSent(t *testing.T, q *outbox.Queue, rec *outbox.Record, prefix string) string {
	t.Helper()
	name := outbox.FileName(rec.TimestampMs, "abc123")
	require.NoError(t, q.ArchiveSent(name, rec, prefix))
	return filepath.Join(q.SentDir(), prefix+name)
}

func sentRecord(ts time.Time) *outbox.Record {
	return &outbox.Record{
		TargetNumber:   "628123456789@s.whatsapp.net",
		OriginalNumber: "08123456789",
		Message:        "hello",
		Status:         outbox.StatusSent,
		TimestampMs:    ts.UnixMilli(),
		SentAt:         ts.Add(2 * time.Second).UTC().Format(time.RFC3339Nano),
	}
}

func TestReconciler_RepairAllFixesPendingEntry(t *testing.T) {
	r, q, s := newTestReconciler(t)

	ts := time.Now().UTC()
	require.NoError(t, s.Append(history.Entry{
		TargetNumber: "628123456789@s.whatsapp.net",
		Message:      "hello",
		Status:       history.StatusPending,
		SentAt:       ts.Format(time.RFC3339Nano),
	}))

	rec := sentRecord(ts)
	path := archiveSent(t, q, rec, "")

	report, err := r.RepairAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Fixed)
	assert.Zero(t, report.Errors)
	assert.NotEmpty(t, report.Backup)

	_, err = os.Stat(report.Backup)
	assert.NoError(t, err, "backup must exist before mutation")

	entries, err := s.List(history.Filter{Status: history.StatusSent})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "reconciler", entries[0].FixedBy)
	assert.Equal(t, rec.SentAt, entries[0].SentAt)

	// The archive itself carries the repair stamp.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var stamped outbox.Record
	require.NoError(t, json.Unmarshal(data, &stamped))
	assert.NotEmpty(t, stamped.ProcessedAt)
}

func TestReconciler_RepairAllEmptySentArea(t *testing.T) {
	r, _, _ := newTestReconciler(t)

	report, err := r.RepairAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Empty(t, report.Backup, "no backup when nothing to scan")
}

func TestReconciler_RepairAllLeavesNonMatchingPending(t *testing.T) {
	r, q, s := newTestReconciler(t)

	ts := time.Now().UTC()
	require.NoError(t, s.Append(history.Entry{
		TargetNumber: "628999999999@s.whatsapp.net",
		Message:      "unrelated",
		Status:       history.StatusPending,
		SentAt:       ts.Format(time.RFC3339Nano),
	}))
	archiveSent(t, q, sentRecord(ts), "")

	report, err := r.RepairAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Fixed)

	entries, err := s.List(history.Filter{Status: history.StatusPending})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "unmatched pending entries stay pending")
}

func TestReconciler_RepairAllCoversDegradedArchives(t *testing.T) {
	r, q, s := newTestReconciler(t)

	ts := time.Now().UTC()
	require.NoError(t, s.Append(history.Entry{
		TargetNumber: "628123456789@s.whatsapp.net",
		Message:      "hello",
		Status:       history.StatusPending,
		SentAt:       ts.Format(time.RFC3339Nano),
	}))

	// Delivered but bookkeeping failed: exactly the case repair exists for.
	archiveSent(t, q, sentRecord(ts), outbox.PartialErrorPrefix)

	report, err := r.RepairAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fixed)
}

func TestReconciler_RepairOne(t *testing.T) {
	r, _, s := newTestReconciler(t)

	ts := time.Now().UTC()
	require.NoError(t, s.Append(history.Entry{
		TargetNumber: "628123456789@s.whatsapp.net",
		Message:      "hello",
		Status:       history.StatusPending,
		SentAt:       ts.Format(time.RFC3339Nano),
	}))

	fixed, err := r.RepairOne("08123456789", ts.UnixMilli())
	require.NoError(t, err)
	assert.True(t, fixed)

	fixed, err = r.RepairOne("08123456789", ts.UnixMilli())
	require.NoError(t, err)
	assert.False(t, fixed, "nothing pending on the second pass")
}

func TestReconciler_CheckPending(t *testing.T) {
	r, q, s := newTestReconciler(t)

	ts := time.Now().UTC()
	require.NoError(t, s.Append(history.Entry{
		TargetNumber: "628123456789@s.whatsapp.net",
		Message:      "hello",
		Status:       history.StatusPending,
		SentAt:       ts.Format(time.RFC3339Nano),
	}))
	require.NoError(t, s.Append(history.Entry{
		TargetNumber: "628999999999@s.whatsapp.net",
		Message:      "no archive for this one",
		Status:       history.StatusPending,
		SentAt:       ts.Format(time.RFC3339Nano),
	}))
	archiveSent(t, q, sentRecord(ts), "")

	fixed, err := r.CheckPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)

	pending, err := s.List(history.Filter{Status: history.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestReconciler_CheckPendingNothingToDo(t *testing.T) {
	r, _, _ := newTestReconciler(t)

	fixed, err := r.CheckPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fixed)
}
