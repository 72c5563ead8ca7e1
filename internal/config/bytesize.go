package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var sizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"gb", 1 << 30},
	{"mb", 1 << 20},
	{"kb", 1 << 10},
	{"g", 1 << 30},
	{"m", 1 << 20},
	{"k", 1 << 10},
	{"b", 1},
}

// ParseBytes reads sizes such as "512", "64kb", "1.5m" or "2GB". Units are
// binary.
func ParseBytes(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			mult = u.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}
	if s == "" {
		return 0, fmt.Errorf("size has no number")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}

// FormatBytes renders b in the units ParseBytes reads, with at most one
// decimal ("512b", "1.5kb", "3mb").
func FormatBytes(b uint64) string {
	for _, u := range sizeUnits[:3] {
		if b >= uint64(u.mult) {
			v := strconv.FormatFloat(float64(b)/float64(u.mult), 'f', 1, 64)
			return strings.TrimSuffix(v, ".0") + u.suffix
		}
	}
	return strconv.FormatUint(b, 10) + "b"
}
