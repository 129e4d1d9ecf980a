package bridge

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

var leadingNumber = regexp.MustCompile(`^[-+]?\d+(\.\d+)?`)

// count coerces a loosely typed JSON value into a non-negative integer.
// ok is false when the value was absent, null or carried no number at all.
func count(v any) (n int64, ok bool) {
	var f float64
	switch t := v.(type) {
	case nil:
		return 0, false
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return count(t.String())
		}
		f = parsed
	case float64:
		f = t
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.NewReplacer(",", "", "_", "", " ", "").Replace(strings.TrimSpace(t))
		m := leadingNumber.FindString(s)
		if m == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || f <= 0 {
		return 0, true
	}
	if f >= math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(f), true
}

func countOrZero(v any) int64 {
	n, _ := count(v)
	return n
}

func countPtr(v any) *int64 {
	n, ok := count(v)
	if !ok {
		return nil
	}
	return &n
}

// sampleCount is nil only when v was absent or null. Any other value that
// carries no number clamps to 0.
func sampleCount(v any) *int64 {
	if v == nil {
		return nil
	}
	n := countOrZero(v)
	return &n
}

func boolPtr(v any) *bool {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return &t
	case json.Number:
		b := t.String() != "0"
		return &b
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return nil
	}
	return &b
}

func intPtr(v any) *int {
	n, ok := count(v)
	if !ok {
		return nil
	}
	i := int(n)
	return &i
}

// text returns a trimmed string for strings and numbers, "" otherwise.
func text(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	}
	return ""
}

func textPtr(v any) *string {
	s := text(v)
	if s == "" {
		return nil
	}
	return &s
}

// timestamp parses v, falling back to now when it is missing or invalid.
func timestamp(v any, now time.Time) time.Time {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t)); err == nil {
			return ts.UTC()
		}
		if ts, err := cast.ToTimeE(t); err == nil && !ts.IsZero() {
			return ts.UTC()
		}
	case json.Number:
		if ms, err := t.Int64(); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
	}
	return now
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := text(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
