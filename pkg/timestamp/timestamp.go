// Package timestamp normalizes the time values found on the wire.
//
// Server payloads mix unix seconds (config timestamps, server_time_unix),
// unix milliseconds (binary message creation time), fractional seconds and
// ISO-8601 strings (channel validity). Parse accepts all of them and
// returns unix milliseconds, with 0 meaning "not set".
package timestamp

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// millisThreshold separates seconds from milliseconds: 1e12 ms is
// September 2001, 1e12 s is far beyond any realistic date.
const millisThreshold = 1e12

// ToUnixMs converts a time.Time to Unix milliseconds. The zero time maps to 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time. 0 maps to the zero time.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Format renders Unix milliseconds as RFC3339 in UTC, or "" for 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
}

// Parse converts a wire timestamp to Unix milliseconds. Integers and floats
// below 1e12 are taken as seconds. Strings may be numeric or one of the
// ISO-8601 layouts above. Anything else yields 0.
func Parse(input any) int64 {
	switch v := input.(type) {
	case nil:
		return 0
	case int64:
		if v > millisThreshold {
			return v
		}
		return v * 1000
	case int:
		return Parse(int64(v))
	case int32:
		return Parse(int64(v))
	case uint64:
		return Parse(int64(v))
	case float64:
		if v > millisThreshold {
			return int64(v)
		}
		return int64(v * 1000)
	case json.Number:
		return Parse(string(v))
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return 0
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return Parse(n)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return Parse(f)
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, v); err == nil {
				return ToUnixMs(t)
			}
		}
		return 0
	case time.Time:
		return ToUnixMs(v)
	default:
		return 0
	}
}

// ParseTime is Parse returning a time.Time.
func ParseTime(input any) time.Time {
	return FromUnixMs(Parse(input))
}

// Seconds converts a fractional unix-seconds value to time.Time.
func Seconds(sec float64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(sec * 1000))
}
