package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// cronRef anchors descriptor evaluation so results do not depend on the wall clock.
var cronRef = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// ParseInterval accepts the forms allowed for job intervals:
//   - Go duration: "6h", "90m"
//   - HH:MM: "02:30" (2 hours 30 minutes)
//   - cron: "@daily", "@hourly", "@every 6h", "0 */6 * * *"
//
// A cron expression becomes the gap between two consecutive activations,
// which for irregular expressions is the first such gap.
// Empty input returns 0 with no error.
func ParseInterval(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		sched, err := cron.ParseStandard(s)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid cron %q: %w", path, raw, err)
		}
		first := sched.Next(cronRef)
		d := sched.Next(first).Sub(first)
		if d <= 0 {
			return 0, fmt.Errorf("%s: cron %q never repeats", path, raw)
		}
		return d, nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		if min >= 60 {
			return 0, fmt.Errorf("%s: invalid HH:MM %q", path, raw)
		}
		d := time.Duration(h)*time.Hour + time.Duration(min)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("%s: interval must be > 0", path)
		}
		return d, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid interval %q (use '6h', '02:30' or '@daily')", path, raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: interval must be > 0", path)
	}
	return d, nil
}
