package app

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMinDelay = 30 * time.Second
	DefaultMaxDelay = 30 * 24 * time.Hour
)

var (
	ErrBadDelay        = errors.New("delay must look like 1d2h30m15s")
	ErrDelayOutOfRange = errors.New("delay out of range")
)

var reDelay = regexp.MustCompile(`^(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)

// ParseDelay reads a d/h/m/s delay such as "90m" or "1d12h" and checks it
// against [min, max].
func ParseDelay(raw string, min, max time.Duration) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	m := reDelay.FindStringSubmatch(s)
	if s == "" || m == nil {
		return 0, fmt.Errorf("%w: %q", ErrBadDelay, raw)
	}
	units := [...]time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, u := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		// 400 days in any unit is already far past any sane max
		if err != nil || n > int64(400*24*time.Hour/u) {
			return 0, fmt.Errorf("%w: %q", ErrDelayOutOfRange, raw)
		}
		d += time.Duration(n) * u
	}
	if d < min || (max > 0 && d > max) {
		return 0, fmt.Errorf("%w: %s is outside [%s, %s]", ErrDelayOutOfRange, FormatDelay(d), FormatDelay(min), FormatDelay(max))
	}
	return d, nil
}

// FormatDelay renders d in the same d/h/m/s form ParseDelay accepts,
// truncated to whole seconds.
func FormatDelay(d time.Duration) string {
	if d < 0 {
		return "-" + FormatDelay(-d)
	}
	d = d.Truncate(time.Second)
	if d == 0 {
		return "0s"
	}
	var sb strings.Builder
	for _, u := range []struct {
		unit time.Duration
		sfx  string
	}{{24 * time.Hour, "d"}, {time.Hour, "h"}, {time.Minute, "m"}, {time.Second, "s"}} {
		if n := d / u.unit; n > 0 {
			sb.WriteString(strconv.FormatInt(int64(n), 10))
			sb.WriteString(u.sfx)
			d -= n * u.unit
		}
	}
	return sb.String()
}
