// Package retryafter turns the many shapes an upstream uses to say "come back
// later" into a single millisecond count.
package retryafter

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers consulted by FromHeader, in order.
var headerNames = []string{
	"Retry-After",
	"X-RateLimit-Reset-After",
}

// Normalize converts v into milliseconds.
//
// Numbers and bare numeric strings are seconds. Strings ending in "ms" are
// milliseconds, strings ending in "s" are seconds. Fractional results are
// rounded up to the next millisecond. Anything else, including negative
// values and values too large for an int64 millisecond count, reports
// ok=false.
func Normalize(v any) (ms int64, ok bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case int:
		return fromSeconds(float64(t))
	case int32:
		return fromSeconds(float64(t))
	case int64:
		return fromSeconds(float64(t))
	case uint:
		return fromSeconds(float64(t))
	case uint32:
		return fromSeconds(float64(t))
	case uint64:
		return fromSeconds(float64(t))
	case float32:
		return fromSeconds(float64(t))
	case float64:
		return fromSeconds(t)
	case json.Number:
		return parseString(string(t))
	case string:
		return parseString(t)
	case []byte:
		return parseString(string(t))
	case time.Duration:
		if t < 0 {
			return 0, false
		}
		return int64(math.Ceil(float64(t) / float64(time.Millisecond))), true
	}
	return 0, false
}

// FromHeader returns the first retry hint found in h.
func FromHeader(h http.Header) (ms int64, ok bool) {
	if h == nil {
		return 0, false
	}
	for _, name := range headerNames {
		v := h.Get(name)
		if v == "" {
			continue
		}
		if ms, ok := Normalize(v); ok {
			return ms, true
		}
	}
	return 0, false
}

func parseString(s string) (int64, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	if strings.HasSuffix(s, "ms") {
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "ms")), 64)
		if err != nil {
			return 0, false
		}
		return fromMillis(v)
	}
	s = strings.TrimSpace(strings.TrimSuffix(s, "s"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return fromSeconds(v)
}

func fromSeconds(v float64) (int64, bool) {
	return fromMillis(v * 1000)
}

func fromMillis(v float64) (int64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	// 0.95*1000 is not exactly 950 in binary.
	v = math.Ceil(math.Round(v*1e6) / 1e6)
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if v >= math.MaxInt64 {
		return 0, false
	}
	return int64(v), true
}
