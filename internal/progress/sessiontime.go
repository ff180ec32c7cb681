package progress

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	clockPattern    = regexp.MustCompile(`^(\d+):(\d{2}):(\d{2})(\.\d+)?$`)
	durationPattern = regexp.MustCompile(`^P(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)
)

// ParseSessionTime reads a SCORM session time. It accepts the SCORM 1.2
// clock form H:MM:SS[.ff] with any number of hour digits and the SCORM 2004
// ISO-8601 form P[nD]T[nH][nM][nS]. Anything else is zero.
func ParseSessionTime(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0
	}
	if match := clockPattern.FindStringSubmatch(raw); match != nil {
		hours, _ := strconv.ParseFloat(match[1], 64)
		minutes, _ := strconv.ParseFloat(match[2], 64)
		seconds, _ := strconv.ParseFloat(match[3]+match[4], 64)
		return seconds2duration(hours*3600 + minutes*60 + seconds)
	}
	if match := durationPattern.FindStringSubmatch(raw); match != nil && raw != "P" && !strings.HasSuffix(raw, "T") {
		total := 0.0
		for i, scale := range []float64{86400, 3600, 60, 1} {
			if match[i+1] == "" {
				continue
			}
			value, err := strconv.ParseFloat(match[i+1], 64)
			if err != nil {
				return 0
			}
			total += value * scale
		}
		return seconds2duration(total)
	}
	return 0
}

// FormatSessionTime renders d as M:SS with minutes unbounded.
func FormatSessionTime(d time.Duration) string {
	if d <= 0 {
		return "0:00"
	}
	totalSeconds := int64(math.Round(d.Seconds()))
	return fmt.Sprintf("%d:%02d", totalSeconds/60, totalSeconds%60)
}

func seconds2duration(seconds float64) time.Duration {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return 0
	}
	if seconds > math.MaxInt64/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Round(seconds * float64(time.Second)))
}
