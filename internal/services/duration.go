package services

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidDuration = errors.New("invalid duration")

	durationPattern = regexp.MustCompile(`^(\d+)\s*([a-zA-Z]*)$`)

	durationUnits = map[string]time.Duration{
		"":        time.Second,
		"s":       time.Second,
		"sec":     time.Second,
		"secs":    time.Second,
		"second":  time.Second,
		"seconds": time.Second,
		"m":       time.Minute,
		"min":     time.Minute,
		"mins":    time.Minute,
		"minute":  time.Minute,
		"minutes": time.Minute,
		"h":       time.Hour,
		"hour":    time.Hour,
		"hours":   time.Hour,
		"d":       24 * time.Hour,
		"day":     24 * time.Hour,
		"days":    24 * time.Hour,
	}
)

// maxDuration keeps muted_until representable
const maxDuration = 100 * 365 * 24 * time.Hour

// ParseDuration reads "<count>[unit]", e.g. "90", "10m" or "2 days". A bare
// number is seconds. The result is strictly positive.
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}

	unit, ok := durationUnits[strings.ToLower(m[2])]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidDuration, m[2])
	}

	count, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || count <= 0 {
		return 0, fmt.Errorf("%w: %q must be positive", ErrInvalidDuration, s)
	}
	if count > int64(maxDuration/unit) {
		return 0, fmt.Errorf("%w: %q is too long", ErrInvalidDuration, s)
	}
	return time.Duration(count) * unit, nil
}
