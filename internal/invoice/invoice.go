// Package invoice defines the invoice number format and its sequence rules.
// Numbers look like INV-20250114-0007: a calendar day plus a four digit
// sequence that restarts at 0001 each day. Within a day, lexicographic order
// of the formatted numbers matches allocation order.
package invoice

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	prefix = "INV"
	// MaxSequence is the last sequence the four digit field can hold.
	// Allocation past it must fail rather than widen or wrap, so stored
	// numbers stay fixed-width and sortable.
	MaxSequence = 9999
)

// DayKey returns the YYYYMMDD bucket for t in UTC. All sequencing is scoped
// to this key.
func DayKey(t time.Time) string {
	return t.UTC().Format("20060102")
}

// Format renders an invoice number for the given day key and sequence.
func Format(dayKey string, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, dayKey, seq)
}

// Parse splits an invoice number into its day key and sequence. It rejects
// anything that Format could not have produced.
func Parse(number string) (dayKey string, seq int, err error) {
	parts := strings.Split(number, "-")
	if len(parts) != 3 || parts[0] != prefix {
		return "", 0, fmt.Errorf("malformed invoice number %q", number)
	}
	if len(parts[1]) != 8 {
		return "", 0, fmt.Errorf("malformed invoice date in %q", number)
	}
	if _, err := time.Parse("20060102", parts[1]); err != nil {
		return "", 0, fmt.Errorf("malformed invoice date in %q: %w", number, err)
	}
	if len(parts[2]) != 4 {
		return "", 0, fmt.Errorf("malformed invoice sequence in %q", number)
	}
	seq, err = strconv.Atoi(parts[2])
	if err != nil || seq < 1 {
		return "", 0, fmt.Errorf("malformed invoice sequence in %q", number)
	}
	return parts[1], seq, nil
}
