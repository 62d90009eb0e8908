package cdp

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var countdownPattern = regexp.MustCompile(`(?:(\d{1,2}):)?(\d{1,2}):(\d{2})`)

// ParseCountdown reads the first "m:ss" or "h:mm:ss" clock in text, as rendered by the
// provider's hold timer ("Time left 4:55").
func ParseCountdown(text string) (time.Duration, error) {
	match := countdownPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, fmt.Errorf("no countdown in %q", text)
	}

	var hours int
	if match[1] != "" {
		hours, _ = strconv.Atoi(match[1])
	}
	minutes, _ := strconv.Atoi(match[2])
	seconds, _ := strconv.Atoi(match[3])
	if seconds >= 60 || (hours > 0 && minutes >= 60) {
		return 0, fmt.Errorf("malformed countdown %q", match[0])
	}

	return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second, nil
}
