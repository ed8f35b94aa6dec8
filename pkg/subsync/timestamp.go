package subsync

import (
	"fmt"
	"time"
)

// TimestampLayout is the stored createdAt format. Milliseconds are always
// written as ".000" regardless of the sub-second value.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp formats t in UTC with a fixed ".000" millisecond field.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05") + ".000Z"
}

// ParseTimestamp parses a stored createdAt value. It also accepts RFC 3339
// values written by other tools.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// TimeSource provides the current time. Tests substitute a fixed clock.
type TimeSource interface {
	Now() time.Time
}

// SystemTimeSource returns the wall clock in UTC.
type SystemTimeSource struct{}

func (SystemTimeSource) Now() time.Time {
	return time.Now().UTC()
}
