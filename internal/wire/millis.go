package wire

import (
	"strings"
	"time"
)

const isoMillisLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatMillis renders epoch milliseconds as an ISO-8601 UTC string with millisecond precision.
func FormatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(isoMillisLayout)
}

// FormatMillisPtr renders an optional timestamp.
func FormatMillisPtr(ms *int64) *string {
	if ms == nil {
		return nil
	}
	formatted := FormatMillis(*ms)
	return &formatted
}

// ParseMillis converts an ISO-8601 timestamp into epoch milliseconds.
func ParseMillis(raw string) (int64, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, false
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, false
	}
	return parsed.UnixMilli(), true
}

// ParseMillisPtr converts an optional ISO-8601 timestamp, dropping unparsable input.
func ParseMillisPtr(raw *string) *int64 {
	if raw == nil {
		return nil
	}
	ms, ok := ParseMillis(*raw)
	if !ok {
		return nil
	}
	return &ms
}

// MillisOrNow parses raw or falls back to now.
func MillisOrNow(raw string, now time.Time) int64 {
	if ms, ok := ParseMillis(raw); ok {
		return ms
	}
	return now.UnixMilli()
}
