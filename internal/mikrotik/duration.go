package mikrotik

import (
	"strconv"
	"strings"
	"time"
)

var durationUnits = map[byte]time.Duration{
	'w': 7 * 24 * time.Hour,
	'd': 24 * time.Hour,
	'h': time.Hour,
	'm': time.Minute,
	's': time.Second,
}

// ParseDuration parses RouterOS uptimes such as "1w2d3h4m5s" or
// "2d03:04:05". Unparseable input yields zero.
func ParseDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	var total time.Duration
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		// clock suffix: [prefix]HH:MM:SS
		start := strings.LastIndexAny(s[:i], "wd") + 1
		parts := strings.Split(s[start:], ":")
		if len(parts) != 3 {
			return 0
		}
		for j, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
			n, err := strconv.Atoi(parts[j])
			if err != nil {
				return 0
			}
			total += time.Duration(n) * unit
		}
		s = s[:start]
	}

	num := 0
	digits := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= '0' && ch <= '9':
			num = num*10 + int(ch-'0')
			digits = true
		case durationUnits[ch] != 0 && digits:
			// "ms" suffix
			if ch == 'm' && i+1 < len(s) && s[i+1] == 's' {
				total += time.Duration(num) * time.Millisecond
				i++
			} else {
				total += time.Duration(num) * durationUnits[ch]
			}
			num, digits = 0, false
		default:
			return 0
		}
	}
	return total
}
