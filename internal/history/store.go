package history

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrEntryNotFound is returned when no history entry matches the update
// criteria. The caller owns the retry policy.
var ErrEntryNotFound = errors.New("no matching history entry")

const (
	// DefaultAppendWindow collapses re-submissions of the same message
	// within this window into one entry.
	DefaultAppendWindow = 5 * time.Second
	// DefaultMatchTolerance is the clock tolerance for fuzzy status
	// updates.
	DefaultMatchTolerance = 10 * time.Second
)

type document struct {
	Messages []Entry `json:"messages"`
}

// Store persists history entries as a single JSON document, rewritten
// wholesale on every mutation. Safe for concurrent use within one process;
// concurrent external writers are a known hazard, not a supported mode.
type Store struct {
	path           string
	appendWindow   time.Duration
	matchTolerance time.Duration

	mu    sync.Mutex
	saved map[string]struct{}
}

// NewStore opens (or creates) the history document at path and loads
// existing entry ids for duplicate suppression.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:           path,
		appendWindow:   DefaultAppendWindow,
		matchTolerance: DefaultMatchTolerance,
		saved:          make(map[string]struct{}),
	}

	doc, err := s.load()
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load history: %w", err)
		}
		if err := s.save(&document{Messages: []Entry{}}); err != nil {
			return nil, fmt.Errorf("initialize history: %w", err)
		}
		doc = &document{}
	}

	for _, e := range doc.Messages {
		id := e.ID
		if id == "" {
			id = MessageID(e.TargetNumber, e.Message, e.SentAt)
		}
		s.saved[id] = struct{}{}
	}
	slog.Debug("history store opened", "path", path, "entries", len(doc.Messages))

	return s, nil
}

// Path returns the on-disk location of the history document.
func (s *Store) Path() string { return s.path }

// Append records a new message attempt. Appending the same message twice
// within the dedup window is a no-op, not an error: the entry is treated as
// already recorded.
func (s *Store) Append(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.SentAt == "" {
		entry.SentAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Status == "" {
		entry.Status = StatusSent
	}
	if entry.ID == "" {
		entry.ID = MessageID(entry.TargetNumber, entry.Message, entry.SentAt)
	}

	if _, seen := s.saved[entry.ID]; seen {
		slog.Debug("duplicate history entry skipped", "id", entry.ID)
		return nil
	}

	doc, err := s.load()
	if err != nil {
		// The document may have been removed out from under us; recreate
		// rather than refuse the entry.
		if !os.IsNotExist(err) {
			return fmt.Errorf("load history: %w", err)
		}
		doc = &document{Messages: []Entry{}}
	}

	// Same target and text within the tolerance window counts as a
	// re-submission, not a new message.
	entryTime := entry.Time()
	for _, existing := range doc.Messages {
		if existing.TargetNumber != entry.TargetNumber || existing.Message != entry.Message {
			continue
		}
		diff := entryTime.Sub(existing.Time())
		if diff < 0 {
			diff = -diff
		}
		if diff < s.appendWindow {
			slog.Debug("near-duplicate history entry skipped", "target", entry.TargetNumber)
			s.saved[entry.ID] = struct{}{}
			return nil
		}
	}

	doc.Messages = append(doc.Messages, entry)
	if err := s.save(doc); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	s.saved[entry.ID] = struct{}{}

	slog.Debug("history entry saved", "target", entry.TargetNumber, "status", entry.Status)
	return nil
}

// StatusUpdate mutates a history entry located by fuzzy match.
type StatusUpdate struct {
	// Target is the recipient address; OriginalNumber is preferred for
	// matching when set, since history may hold either form.
	Target         string
	OriginalNumber string
	Message        string
	Timestamp      time.Time
	Status         EntryStatus
	SentAt         string
	ActualTarget   string
	Error          string
	UpdatedBy      string
}

// UpdateStatus locates an entry by fuzzy criteria and mutates its status in
// place, recording who performed the update and when. Returns
// ErrEntryNotFound when nothing matches.
func (s *Store) UpdateStatus(u StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		// No document means no entry to update, not a storage fault.
		if os.IsNotExist(err) {
			return ErrEntryNotFound
		}
		return fmt.Errorf("load history: %w", err)
	}

	target := u.OriginalNumber
	if target == "" {
		target = u.Target
	}
	criteria := MatchCriteria{
		Target:    target,
		Message:   u.Message,
		Timestamp: u.Timestamp,
		Tolerance: s.matchTolerance,
	}

	idx := -1
	for i := range doc.Messages {
		if Matches(doc.Messages[i], criteria) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrEntryNotFound
	}

	entry := &doc.Messages[idx]
	oldStatus := entry.Status
	entry.Status = u.Status
	entry.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	entry.StatusUpdatedBy = u.UpdatedBy

	if u.Status == StatusSent {
		if u.SentAt != "" {
			entry.SentAt = u.SentAt
		}
		if u.ActualTarget != "" {
			entry.ActualTarget = u.ActualTarget
		}
	}
	if u.Error != "" {
		entry.Error = u.Error
	}

	if err := s.save(doc); err != nil {
		return fmt.Errorf("save history: %w", err)
	}

	slog.Debug("history status updated", "target", entry.TargetNumber, "from", oldStatus, "to", u.Status)
	return nil
}

// ForcePendingSent repairs one entry stuck in pending: located by the same
// fuzzy criteria as UpdateStatus, forced to sent and stamped with a repair
// marker. Entries in any other status are left untouched. Returns false when
// no pending entry matches.
func (s *Store) ForcePendingSent(criteria MatchCriteria, sentAt, fixedBy string) (bool, error) {
	if criteria.Tolerance == 0 {
		criteria.Tolerance = s.matchTolerance
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("load history: %w", err)
	}

	for i := range doc.Messages {
		if doc.Messages[i].Status != StatusPending {
			continue
		}
		if !Matches(doc.Messages[i], criteria) {
			continue
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		if sentAt == "" {
			sentAt = now
		}
		doc.Messages[i].Status = StatusSent
		doc.Messages[i].SentAt = sentAt
		doc.Messages[i].FixedAt = now
		doc.Messages[i].FixedBy = fixedBy

		if err := s.save(doc); err != nil {
			return false, fmt.Errorf("save history: %w", err)
		}
		return true, nil
	}

	return false, nil
}

// CleanDuplicates keeps only the most recently sent entry per target+message
// pair, discarding older collapses. Intended as a one-time repair for data
// written before dedup existed. Returns the number of kept and removed
// entries.
func (s *Store) CleanDuplicates() (kept, removed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return 0, 0, fmt.Errorf("load history: %w", err)
	}

	sort.SliceStable(doc.Messages, func(i, j int) bool {
		return doc.Messages[i].Time().After(doc.Messages[j].Time())
	})

	seen := make(map[string]struct{})
	cleaned := make([]Entry, 0, len(doc.Messages))
	for _, entry := range doc.Messages {
		key := entry.TargetNumber + "_" + entry.Message
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, entry)
	}

	removed = len(doc.Messages) - len(cleaned)
	doc.Messages = cleaned
	if err := s.save(doc); err != nil {
		return 0, 0, fmt.Errorf("save history: %w", err)
	}

	slog.Info("history duplicates cleaned", "kept", len(cleaned), "removed", removed)
	return len(cleaned), removed, nil
}

// Filter narrows a history listing. Zero values disable each criterion.
type Filter struct {
	Status EntryStatus
	From   time.Time
	To     time.Time
	Target string
}

// List returns history entries matching the filter, in stored order.
func (s *Store) List(f Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("load history: %w", err)
	}

	result := make([]Entry, 0, len(doc.Messages))
	for _, entry := range doc.Messages {
		if f.Status != "" && entry.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && !f.To.IsZero() {
			t := entry.Time()
			if t.Before(f.From) || t.After(f.To) {
				continue
			}
		}
		if f.Target != "" && !strings.Contains(entry.TargetNumber, f.Target) {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

// Backup writes a timestamped copy of the history document next to it and
// returns the backup path.
func (s *Store) Backup() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("read history for backup: %w", err)
	}

	backupPath := fmt.Sprintf("%s.backup_%d", s.path, time.Now().UnixMilli())
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write history backup: %w", err)
	}

	slog.Info("history backup written", "path", backupPath)
	return backupPath, nil
}

func (s *Store) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var doc document
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode history document: %w", err)
		}
	}
	if doc.Messages == nil {
		doc.Messages = []Entry{}
	}
	return &doc, nil
}

func (s *Store) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history document: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
