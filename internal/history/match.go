package history

import (
	"strings"
	"time"

	"github.com/aryasadewa/wagateway/internal/phone"
)

// MatchCriteria identifies a history entry when its originating id is not
// known to the updater. Matching is heuristic: addresses compare by digit
// runs where one may be a normalized form of the other, timestamps within an
// explicit tolerance, text exactly.
type MatchCriteria struct {
	// Target is the recipient address, as a JID or a bare number.
	Target string
	// Message must equal the entry text exactly. Empty disables the check
	// (used for operator-directed repair by address and time only).
	Message string
	// Timestamp is the approximate creation time of the message.
	Timestamp time.Time
	// Tolerance is the maximum clock distance between independently
	// stamped records that still counts as the same message.
	Tolerance time.Duration
}

// Matches reports whether entry satisfies the criteria. Pure function; all
// tolerances are explicit so the heuristic stays testable and tunable.
func Matches(entry Entry, c MatchCriteria) bool {
	entryDigits := addressDigits(entry.TargetNumber)
	targetDigits := addressDigits(c.Target)
	if entryDigits == "" || targetDigits == "" {
		return false
	}
	if !strings.Contains(entryDigits, targetDigits) && !strings.Contains(targetDigits, entryDigits) {
		return false
	}

	entryTime := entry.Time()
	if entryTime.IsZero() {
		return false
	}
	diff := c.Timestamp.Sub(entryTime)
	if diff < 0 {
		diff = -diff
	}
	if diff >= c.Tolerance {
		return false
	}

	if c.Message != "" && entry.Message != c.Message {
		return false
	}

	return true
}

// addressDigits reduces an address to a comparable digit run. Addresses come
// in either local or international form depending on who wrote the record, so
// both sides are normalized first; unparseable addresses fall back to their
// raw digits.
func addressDigits(address string) string {
	if num, err := phone.Normalize(address); err == nil {
		return num.Digits
	}
	address = strings.TrimSuffix(address, phone.JIDSuffix)
	var b strings.Builder
	b.Grow(len(address))
	for i := 0; i < len(address); i++ {
		if address[i] >= '0' && address[i] <= '9' {
			b.WriteByte(address[i])
		}
	}
	return b.String()
}
