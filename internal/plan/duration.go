package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var durationRe = regexp.MustCompile(`^(\d+)([smhd]?)$`)

var durationUnits = map[string]time.Duration{
	"":  time.Second,
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// ParseDuration converts a duration such as "5m" or "2h" into time. A bare
// number is seconds.
func ParseDuration(s string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return time.Duration(n) * durationUnits[m[2]], nil
}

// Timeout is the duration limit of t.
func (t Test) Timeout() time.Duration {
	d := t.Duration
	if d == "" {
		d = DefaultDuration
	}
	timeout, err := ParseDuration(d)
	if err != nil {
		timeout, _ = ParseDuration(DefaultDuration)
	}
	return timeout
}
