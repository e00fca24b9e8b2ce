package session

import (
	"fmt"
	"time"
)

// FormatHMS renders d in words at one-second resolution, for example
// "2 hours and 5 minutes" or "1 hour, 2 minutes, and 3 seconds". Durations
// under a second render as "0 seconds".
func FormatHMS(d time.Duration) string {
	total := int64(d / time.Second)
	if total <= 0 {
		return "0 seconds"
	}

	var parts []string
	add := func(n int64, unit string) {
		switch {
		case n == 1:
			parts = append(parts, "1 "+unit)
		case n > 1:
			parts = append(parts, fmt.Sprintf("%d %ss", n, unit))
		}
	}
	add(total/3600, "hour")
	add(total%3600/60, "minute")
	add(total%60, "second")

	switch len(parts) {
	case 1:
		return parts[0]
	case 2:
		return parts[0] + " and " + parts[1]
	default:
		return parts[0] + ", " + parts[1] + ", and " + parts[2]
	}
}
