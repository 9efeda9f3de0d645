package outbox

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state stored inside a queue record.
type Status string

// Record statuses.
const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusError  Status = "error"
)

// Final statuses describing how bookkeeping went after a successful send.
const (
	FinalStatusSent            = "sent"
	FinalStatusHistoryError    = "sent_but_history_error"
	FinalStatusTrackerError    = "sent_but_tracker_error"
	FinalStatusAllUpdatesError = "sent_but_all_updates_failed"
)

// Record is one queued message, serialized as a single JSON file in the
// outbox directory. Immutable once written until the worker claims it.
type Record struct {
	TargetNumber   string `json:"targetNumber"`
	OriginalNumber string `json:"originalNumber"`
	Message        string `json:"message"`
	Timestamp      string `json:"timestamp"`
	TimestampMs    int64  `json:"timestampMs"`
	Status         Status `json:"status"`
	CreatedAt      string `json:"createdAt"`
	Source         string `json:"source"`

	// Fields populated by the worker after processing.
	SentAt             string `json:"sentAt,omitempty"`
	ActualTarget       string `json:"actualTarget,omitempty"`
	ProcessedAt        string `json:"processedAt,omitempty"`
	UniqueKey          string `json:"uniqueKey,omitempty"`
	Error              string `json:"error,omitempty"`
	LastAttempt        string `json:"lastAttempt,omitempty"`
	FinalStatus        string `json:"finalStatus,omitempty"`
	StatusUpdateError  string `json:"statusUpdateError,omitempty"`
	HistoryUpdateError string `json:"historyUpdateError,omitempty"`
}

// Key derives the dedup fingerprint for a record: original number, creation
// timestamp and a digest of the leading message text. Two submissions of the
// same message at the same instant collapse to one key.
func (r *Record) Key() string {
	number := r.OriginalNumber
	if number == "" {
		number = r.TargetNumber
	}

	head := r.Message
	if len(head) > 50 {
		head = head[:50]
	}
	digest := base64.StdEncoding.EncodeToString([]byte(head))
	if len(digest) > 10 {
		digest = digest[:10]
	}

	return fmt.Sprintf("%s_%d_%s", number, r.TimestampMs, digest)
}

const (
	filePrefix = "message_"
	fileSuffix = ".json"

	// Prefixes marking degraded-but-delivered archives in the sent area.
	PartialErrorPrefix = "partial_error_"
	WarningPrefix      = "warning_"
)

// FileName builds the queue filename for a creation timestamp and a random
// disambiguator.
func FileName(timestampMs int64, disambiguator string) string {
	return fmt.Sprintf("%s%d_%s%s", filePrefix, timestampMs, disambiguator, fileSuffix)
}

// IsRecordFile reports whether name looks like a complete queue record file.
func IsRecordFile(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix)
}

// FileTimestamp extracts the embedded creation timestamp from a queue
// filename. Returns zero for names it cannot parse so unparseable files sort
// first and get drained early.
func FileTimestamp(name string) int64 {
	parts := strings.Split(name, "_")
	if len(parts) < 2 {
		return 0
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
