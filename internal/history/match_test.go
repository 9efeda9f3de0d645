package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	entry := Entry{
		TargetNumber: "08123456789",
		Message:      "hello",
		Status:       StatusPending,
		SentAt:       base.Format(time.RFC3339Nano),
	}

	tests := []struct {
		name     string
		criteria MatchCriteria
		want     bool
	}{
		{
			"exact match",
			MatchCriteria{Target: "08123456789", Message: "hello", Timestamp: base, Tolerance: 10 * time.Second},
			true,
		},
		{
			"normalized jid matches local form",
			MatchCriteria{Target: "628123456789@s.whatsapp.net", Message: "hello", Timestamp: base, Tolerance: 10 * time.Second},
			true,
		},
		{
			"clock drift within tolerance",
			MatchCriteria{Target: "08123456789", Message: "hello", Timestamp: base.Add(9 * time.Second), Tolerance: 10 * time.Second},
			true,
		},
		{
			"clock drift at tolerance boundary",
			MatchCriteria{Target: "08123456789", Message: "hello", Timestamp: base.Add(10 * time.Second), Tolerance: 10 * time.Second},
			false,
		},
		{
			"different text",
			MatchCriteria{Target: "08123456789", Message: "other", Timestamp: base, Tolerance: 10 * time.Second},
			false,
		},
		{
			"empty message disables text check",
			MatchCriteria{Target: "08123456789", Timestamp: base, Tolerance: 10 * time.Second},
			true,
		},
		{
			"unrelated number",
			MatchCriteria{Target: "0899999999", Message: "hello", Timestamp: base, Tolerance: 10 * time.Second},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(entry, tt.criteria))
		})
	}
}

func TestMatches_UnparseableEntryTime(t *testing.T) {
	entry := Entry{
		TargetNumber: "08123456789",
		Message:      "hello",
		SentAt:       "not a timestamp",
	}

	assert.False(t, Matches(entry, MatchCriteria{
		Target:    "08123456789",
		Message:   "hello",
		Timestamp: time.Now(),
		Tolerance: time.Hour,
	}))
}

func TestMessageID(t *testing.T) {
	id := MessageID("08123456789", "hello", "2024-06-01T10:00:00Z")
	assert.Len(t, id, 20)
	assert.Equal(t, id, MessageID("08123456789", "hello", "2024-06-01T10:00:00Z"))
	assert.NotEqual(t, id, MessageID("08123456789", "other", "2024-06-01T10:00:00Z"))
}
