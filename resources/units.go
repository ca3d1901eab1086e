package resources

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
)

// ParseMemory parses a human readable memory size such as "16GB", "512M",
// "1.5GiB" or a bare number of megabytes, and returns bytes.
// Decimal and binary suffixes are both treated as binary, the way
// schedulers interpret them.
func ParseMemory(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty memory size")
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("memory size must be positive: %q", raw)
		}
		return int64(n * float64(units.MiB)), nil
	}

	s = strings.ToUpper(s)
	s = strings.TrimSuffix(s, "IB")
	s = strings.TrimSuffix(s, "B")
	if strings.Contains(s, ".") {
		// units parses integers only, handle fractions by hand.
		i := strings.IndexAny(s, "KMGTP")
		if i < 0 {
			return 0, fmt.Errorf("invalid memory size: %q", raw)
		}
		n, err := strconv.ParseFloat(s[:i], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid memory size: %q", raw)
		}
		unit, err := units.ParseBase2Bytes("1" + s[i:] + "iB")
		if err != nil {
			return 0, fmt.Errorf("invalid memory size: %q", raw)
		}
		return int64(n * float64(unit)), nil
	}

	b, err := units.ParseBase2Bytes(s + "iB")
	if err != nil {
		return 0, fmt.Errorf("invalid memory size: %q", raw)
	}
	if b <= 0 {
		return 0, fmt.Errorf("memory size must be positive: %q", raw)
	}
	return int64(b), nil
}

// formatMemory formats bytes using the largest whole binary unit, with the
// given unit suffixes, e.g. ("K", "M", "G", "T").
func formatMemory(b int64, suffixes [4]string) string {
	mib := int64(units.MiB)
	switch {
	case b%int64(units.TiB) == 0:
		return fmt.Sprintf("%d%s", b/int64(units.TiB), suffixes[3])
	case b%int64(units.GiB) == 0:
		return fmt.Sprintf("%d%s", b/int64(units.GiB), suffixes[2])
	case b%mib == 0:
		return fmt.Sprintf("%d%s", b/mib, suffixes[1])
	default:
		// Round up to the next KiB so the request is never smaller than asked.
		kib := int64(units.KiB)
		return fmt.Sprintf("%d%s", (b+kib-1)/kib, suffixes[0])
	}
}

var (
	clockRE = regexp.MustCompile(`^(?:(\d+)-)?(\d+)(?::(\d+))?(?::(\d+))?$`)
	dayRE   = regexp.MustCompile(`(\d+(?:\.\d+)?)d`)
)

// ParseTimeLimit parses a wall clock limit. Accepted forms are Go durations
// ("4h30m"), durations with a day unit ("1d12h"), clock strings
// ("02:00:00", "90:00", "1-12:00:00"), or a bare number of minutes.
func ParseTimeLimit(raw string) (time.Duration, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return 0, fmt.Errorf("empty time limit")
	}

	if m := clockRE.FindStringSubmatch(s); m != nil && (strings.Contains(s, ":") || strings.Contains(s, "-")) {
		var days, a, b, c int
		days, _ = strconv.Atoi(m[1])
		a, _ = strconv.Atoi(m[2])
		b, _ = strconv.Atoi(m[3])
		c, _ = strconv.Atoi(m[4])
		var d time.Duration
		switch {
		case m[4] != "":
			// [D-]HH:MM:SS
			d = time.Duration(a)*time.Hour + time.Duration(b)*time.Minute + time.Duration(c)*time.Second
		case m[3] != "" && m[1] != "":
			// D-HH:MM
			d = time.Duration(a)*time.Hour + time.Duration(b)*time.Minute
		case m[3] != "":
			// MM:SS
			d = time.Duration(a)*time.Minute + time.Duration(b)*time.Second
		default:
			// D-HH
			d = time.Duration(a) * time.Hour
		}
		d += time.Duration(days) * 24 * time.Hour
		if d <= 0 {
			return 0, fmt.Errorf("time limit must be positive: %q", raw)
		}
		return d, nil
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("time limit must be positive: %q", raw)
		}
		return time.Duration(n) * time.Minute, nil
	}

	var extra time.Duration
	if m := dayRE.FindStringSubmatch(s); m != nil {
		days, _ := strconv.ParseFloat(m[1], 64)
		extra = time.Duration(days * float64(24*time.Hour))
		s = strings.Replace(s, m[0], "", 1)
	}
	var d time.Duration
	if s != "" {
		var err error
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid time limit: %q", raw)
		}
	}
	d += extra
	if d <= 0 {
		return 0, fmt.Errorf("time limit must be positive: %q", raw)
	}
	return d, nil
}

// formatClock formats a duration as [D-]HH:MM:SS, rounding up to whole seconds.
func formatClock(d time.Duration, withDays bool) string {
	secs := int64((d + time.Second - 1) / time.Second)
	days := int64(0)
	if withDays {
		days = secs / 86400
		secs %= 86400
	}
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:%02d", days, h, m, s)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
