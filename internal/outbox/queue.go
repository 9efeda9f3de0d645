// Package outbox implements the durable file-backed message queue and the
// worker loop that drains it.
package outbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/aryasadewa/wagateway/internal/phone"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxMessageLength is the longest message text accepted into the queue.
const MaxMessageLength = 4096

// Queue errors.
var (
	ErrEmptyTarget     = errors.New("target number must not be empty")
	ErrEmptyMessage    = errors.New("message must not be empty")
	ErrMessageTooLong  = errors.New("message exceeds maximum length")
	ErrDuplicateRecord = errors.New("message file already exists, retry shortly")
)

// Queue is a filesystem-backed mailbox: one JSON file per queued message,
// with sent/ and error/ subdirectories for terminal records. Producers only
// create files; a single worker loop lists, claims and removes them. Claiming
// is advisory and process-local.
type Queue struct {
	dir      string
	sentDir  string
	errorDir string

	mu      sync.Mutex
	claimed map[string]struct{}
}

// NewQueue creates the outbox directory layout and verifies it is writable.
func NewQueue(dir string) (*Queue, error) {
	q := &Queue{
		dir:      dir,
		sentDir:  filepath.Join(dir, "sent"),
		errorDir: filepath.Join(dir, "error"),
		claimed:  make(map[string]struct{}),
	}

	for _, d := range []string{q.dir, q.sentDir, q.errorDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create outbox directory %s: %w", d, err)
		}
	}

	probe := filepath.Join(dir, ".probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return nil, fmt.Errorf("outbox directory not writable: %w", err)
	}
	_ = os.Remove(probe)

	return q, nil
}

// Dir returns the live queue directory.
func (q *Queue) Dir() string { return q.dir }

// SentDir returns the terminal area for delivered records.
func (q *Queue) SentDir() string { return q.sentDir }

// ErrorDir returns the terminal area for failed records.
func (q *Queue) ErrorDir() string { return q.errorDir }

// Enqueue validates the message, writes a new immutable record into the live
// queue and returns it together with its filename. The filename embeds the
// creation timestamp for FIFO ordering plus a random disambiguator; an
// existing file with the same name is a caller-retryable collision, never
// overwritten.
func (q *Queue) Enqueue(target phone.Number, message, source string) (*Record, string, error) {
	message = strings.TrimSpace(message)
	if target.JID == "" {
		return nil, "", ErrEmptyTarget
	}
	if message == "" {
		return nil, "", ErrEmptyMessage
	}
	if len(message) > MaxMessageLength {
		return nil, "", fmt.Errorf("%w: %d > %d characters", ErrMessageTooLong, len(message), MaxMessageLength)
	}

	now := time.Now()
	rec := &Record{
		TargetNumber:   target.JID,
		OriginalNumber: target.Original,
		Message:        message,
		Timestamp:      now.UTC().Format(time.RFC3339Nano),
		TimestampMs:    now.UnixMilli(),
		Status:         StatusQueued,
		CreatedAt:      now.UTC().Format(time.RFC3339Nano),
		Source:         source,
	}

	name := FileName(rec.TimestampMs, randomSuffix())
	path := filepath.Join(q.dir, name)

	if _, err := os.Stat(path); err == nil {
		return nil, "", ErrDuplicateRecord
	}

	if err := q.writeFile(path, rec); err != nil {
		return nil, "", fmt.Errorf("write queue record: %w", err)
	}

	return rec, name, nil
}

// ListPending lists complete queue records not claimed by an in-flight worker
// pass, sorted ascending by the timestamp embedded in the filename.
func (q *Queue) ListPending() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("read outbox directory: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !IsRecordFile(name) || strings.HasPrefix(name, ".") {
			continue
		}
		if _, busy := q.claimed[name]; busy {
			continue
		}
		names = append(names, name)
	}

	sort.Slice(names, func(i, j int) bool {
		return FileTimestamp(names[i]) < FileTimestamp(names[j])
	})

	return names, nil
}

// Claim marks a filename as being processed. Returns false if it is already
// claimed. Protects against double-handling across overlapping poll ticks
// within this process only.
func (q *Queue) Claim(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.claimed[name]; busy {
		return false
	}
	q.claimed[name] = struct{}{}
	return true
}

// Release drops the advisory claim on a filename.
func (q *Queue) Release(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.claimed, name)
}

// Read loads and decodes a live queue record.
func (q *Queue) Read(name string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(q.dir, name))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode queue record %s: %w", name, err)
	}
	return &rec, nil
}

// Exists reports whether a record is still present in the live queue.
func (q *Queue) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(q.dir, name))
	return err == nil
}

// Remove deletes a record from the live queue. Missing files are not an
// error: the record may already have been drained.
func (q *Queue) Remove(name string) error {
	err := os.Remove(filepath.Join(q.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ArchiveSent writes the updated record into the sent area. A non-empty
// prefix (PartialErrorPrefix, WarningPrefix) marks a delivered message whose
// bookkeeping partially failed.
func (q *Queue) ArchiveSent(name string, rec *Record, prefix string) error {
	return q.writeFile(filepath.Join(q.sentDir, prefix+name), rec)
}

// ArchiveError writes the updated record into the error area.
func (q *Queue) ArchiveError(name string, rec *Record) error {
	return q.writeFile(filepath.Join(q.errorDir, name), rec)
}

// Stats counts the records currently in each queue area.
func (q *Queue) Stats() (QueueStats, error) {
	var stats QueueStats

	count := func(dir string) (int, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return 0, err
		}
		n := 0
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), fileSuffix) {
				n++
			}
		}
		return n, nil
	}

	var err error
	if stats.Pending, err = count(q.dir); err != nil {
		return stats, err
	}
	if stats.Sent, err = count(q.sentDir); err != nil {
		return stats, err
	}
	if stats.Failed, err = count(q.errorDir); err != nil {
		return stats, err
	}
	return stats, nil
}

// writeFile persists a record whole-file via a temp file and rename, so a
// directory scan never observes a half-written record.
func (q *Queue) writeFile(path string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}
