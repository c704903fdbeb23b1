package persistence

import (
	"fmt"
	"strings"
	"time"
)

// StoredTimeLayout is the on-disk execution_time format. Values are UTC and
// minute-truncated so lexical order matches chronological order.
const StoredTimeLayout = "2006-01-02 15:04"

var offsetLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z0700",
	"2006-01-02T15Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02T15",
	"2006-01-02",
}

// ParseExecutionTime parses an ISO-8601 timestamp (date only, hour, minute or
// second precision, optional fractional seconds, "T" or space separator,
// optional UTC offset). Timestamps without an offset are read in loc, or UTC
// when loc is nil. The result is UTC truncated to the minute.
func ParseExecutionTime(text string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := strings.TrimSpace(text)
	if s == "" {
		return time.Time{}, fmt.Errorf("parse execution time: empty value: %w", ErrMalformedInput)
	}
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return TruncateMinute(t), nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return TruncateMinute(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse execution time %q: %w", text, ErrMalformedInput)
}

// TruncateMinute drops seconds and sub-second precision and converts to UTC.
func TruncateMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// FormatExecutionTime renders t in StoredTimeLayout.
func FormatExecutionTime(t time.Time) string {
	return TruncateMinute(t).Format(StoredTimeLayout)
}

func parseStoredTime(s string) (time.Time, bool) {
	t, err := time.ParseInLocation(StoredTimeLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
