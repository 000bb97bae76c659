package normalize

import "time"

// ExtractTimestamp scans raw for the earliest-occurring recognizable
// timestamp and returns it. Recognized formats, in the order their
// prefix patterns are searched for (the match at the lowest byte
// position wins when more than one appears):
//   - RFC 3339 / ISO 8601:   2024-01-15T10:30:45.123456Z
//   - Apple unified log:     2024-01-15 10:30:45.123456-0800
//   - Syslog BSD (RFC 3164): Jan  5 15:04:02
//   - Common Log Format:     [02/Jan/2006:15:04:05 -0700]
//   - Go/Ruby datestamp:     2024/01/15 10:30:45
//   - Ctime / BSD:           Fri Feb 13 17:49:50.028 2026
//
// Year-less formats infer the current year, rolling back one year if
// that would place the timestamp more than a day in the future (clock
// skew tolerance for events crossing a year boundary).
//
// Adapted from the Collector-era timestamp digester: same byte-scanning
// extractor set, now driving the Normalizer's `ts` field derivation
// (falling back to received_at when nothing matches) instead of a
// pipeline-stage side effect on an ingest message.
func ExtractTimestamp(raw []byte) (time.Time, bool) {
	ts := extractTimestamp(raw)
	return ts, !ts.IsZero()
}

func extractTimestamp(raw []byte) time.Time {
	bestTS := time.Time{}
	bestPos := len(raw)

	type candidate struct {
		pos int
		ext func(raw []byte, pos int) (time.Time, bool)
	}

	var candidates []candidate

	if pos := findYearDashPrefix(raw); pos >= 0 && pos < bestPos {
		candidates = append(candidates, candidate{pos, tryDateDash})
	}
	if pos := findMonthPrefix(raw); pos >= 0 && pos < bestPos {
		candidates = append(candidates, candidate{pos, trySyslogBSD})
	}
	if pos := findCLFPrefix(raw); pos >= 0 && pos < bestPos {
		candidates = append(candidates, candidate{pos, tryCLF})
	}
	if pos := findYearSlashPrefix(raw); pos >= 0 && pos < bestPos {
		candidates = append(candidates, candidate{pos, tryGoRuby})
	}
	if pos := findWeekdayMonthPrefix(raw); pos >= 0 && pos < bestPos {
		candidates = append(candidates, candidate{pos, tryCtime})
	}

	for _, c := range candidates {
		if c.pos >= bestPos {
			continue
		}
		if ts, ok := c.ext(raw, c.pos); ok {
			bestTS = ts
			bestPos = c.pos
		}
	}

	return bestTS
}

func findYearDashPrefix(raw []byte) int {
	for i := 0; i+9 < len(raw); i++ {
		if isDigit(raw[i]) && isDigit(raw[i+1]) && isDigit(raw[i+2]) && isDigit(raw[i+3]) &&
			raw[i+4] == '-' && isDigit(raw[i+5]) && isDigit(raw[i+6]) &&
			raw[i+7] == '-' && isDigit(raw[i+8]) && isDigit(raw[i+9]) {
			return i
		}
	}
	return -1
}

func tryDateDash(raw []byte, pos int) (time.Time, bool) {
	r := raw[pos:]
	if len(r) < 19 {
		return time.Time{}, false
	}
	sep := r[10]
	if sep == 'T' {
		return tryRFC3339(r)
	}
	if sep == ' ' {
		return tryAppleUnified(r)
	}
	return time.Time{}, false
}

func tryRFC3339(r []byte) (time.Time, bool) {
	if len(r) < 20 {
		return time.Time{}, false
	}
	if r[13] != ':' || r[16] != ':' {
		return time.Time{}, false
	}

	end := 19
	if end < len(r) && r[end] == '.' {
		end++
		for end < len(r) && isDigit(r[end]) {
			end++
		}
	}
	if end >= len(r) {
		return time.Time{}, false
	}

	switch r[end] {
	case 'Z':
		end++
	case '+', '-':
		if end+6 > len(r) {
			return time.Time{}, false
		}
		end += 6
	default:
		return time.Time{}, false
	}

	ts, err := time.Parse(time.RFC3339Nano, string(r[:end]))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func tryAppleUnified(r []byte) (time.Time, bool) {
	if len(r) < 19 {
		return time.Time{}, false
	}
	if r[13] != ':' || r[16] != ':' {
		return time.Time{}, false
	}

	end := 19
	hasFrac := false
	if end < len(r) && r[end] == '.' {
		hasFrac = true
		end++
		for end < len(r) && isDigit(r[end]) {
			end++
		}
	}

	hasTZ := false
	if end+5 <= len(r) && (r[end] == '+' || r[end] == '-') &&
		isDigit(r[end+1]) && isDigit(r[end+2]) && isDigit(r[end+3]) && isDigit(r[end+4]) {
		hasTZ = true
		end += 5
	}

	format := "2006-01-02 15:04:05"
	if hasFrac {
		fracEnd := 20
		for fracEnd < end && isDigit(r[fracEnd]) {
			fracEnd++
		}
		nFrac := fracEnd - 20
		if nFrac > 0 {
			frac := ".000000000"
			if nFrac < len(frac)-1 {
				frac = frac[:nFrac+1]
			}
			format += frac
		}
	}
	if hasTZ {
		format += "-0700"
	}

	ts, err := time.Parse(format, string(r[:end]))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

var monthPrefixes = map[string]time.Month{
	"Jan": time.January, "Feb": time.February, "Mar": time.March,
	"Apr": time.April, "May": time.May, "Jun": time.June,
	"Jul": time.July, "Aug": time.August, "Sep": time.September,
	"Oct": time.October, "Nov": time.November, "Dec": time.December,
}

func findMonthPrefix(raw []byte) int {
	for i := 0; i+3 < len(raw); i++ {
		if raw[i+3] == ' ' && isUpperAlpha(raw[i]) && isLowerAlpha(raw[i+1]) && isLowerAlpha(raw[i+2]) {
			if _, ok := monthPrefixes[string(raw[i:i+3])]; ok {
				return i
			}
		}
	}
	return -1
}

func trySyslogBSD(raw []byte, pos int) (time.Time, bool) {
	r := raw[pos:]
	if len(r) < 15 {
		return time.Time{}, false
	}
	if r[3] != ' ' || r[6] != ' ' || r[9] != ':' || r[12] != ':' {
		return time.Time{}, false
	}

	now := time.Now()
	tsStr := string(r[:15])
	if ts, err := time.Parse("Jan  2 15:04:05", tsStr); err == nil {
		ts = ts.AddDate(now.Year(), 0, 0)
		if ts.After(now.Add(24 * time.Hour)) {
			ts = ts.AddDate(-1, 0, 0)
		}
		return ts, true
	}
	if ts, err := time.Parse("Jan 02 15:04:05", tsStr); err == nil {
		ts = ts.AddDate(now.Year(), 0, 0)
		if ts.After(now.Add(24 * time.Hour)) {
			ts = ts.AddDate(-1, 0, 0)
		}
		return ts, true
	}
	return time.Time{}, false
}

func findCLFPrefix(raw []byte) int {
	for i := 0; i+7 < len(raw); i++ {
		if raw[i] == '[' && isDigit(raw[i+1]) && isDigit(raw[i+2]) && raw[i+3] == '/' &&
			isUpperAlpha(raw[i+4]) && isLowerAlpha(raw[i+5]) && isLowerAlpha(raw[i+6]) && raw[i+7] == '/' {
			return i
		}
	}
	return -1
}

func tryCLF(raw []byte, pos int) (time.Time, bool) {
	r := raw[pos:]
	if len(r) < 28 {
		return time.Time{}, false
	}
	end := 1
	for end < len(r) && end < 32 && r[end] != ']' {
		end++
	}
	if end >= len(r) || r[end] != ']' {
		return time.Time{}, false
	}
	ts, err := time.Parse("02/Jan/2006:15:04:05 -0700", string(r[1:end]))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func findYearSlashPrefix(raw []byte) int {
	for i := 0; i+9 < len(raw); i++ {
		if isDigit(raw[i]) && isDigit(raw[i+1]) && isDigit(raw[i+2]) && isDigit(raw[i+3]) &&
			raw[i+4] == '/' && isDigit(raw[i+5]) && isDigit(raw[i+6]) &&
			raw[i+7] == '/' && isDigit(raw[i+8]) && isDigit(raw[i+9]) {
			return i
		}
	}
	return -1
}

func tryGoRuby(raw []byte, pos int) (time.Time, bool) {
	r := raw[pos:]
	if len(r) < 19 {
		return time.Time{}, false
	}
	if r[10] != ' ' || r[13] != ':' || r[16] != ':' {
		return time.Time{}, false
	}
	ts, err := time.Parse("2006/01/02 15:04:05", string(r[:19]))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

var weekdayPrefixes = map[string]bool{
	"Mon": true, "Tue": true, "Wed": true, "Thu": true,
	"Fri": true, "Sat": true, "Sun": true,
}

func findWeekdayMonthPrefix(raw []byte) int {
	for i := 0; i+19 <= len(raw); i++ {
		if raw[i+3] == ' ' && isUpperAlpha(raw[i]) && isLowerAlpha(raw[i+1]) && isLowerAlpha(raw[i+2]) {
			if !weekdayPrefixes[string(raw[i:i+3])] {
				continue
			}
			if i+7 < len(raw) && isUpperAlpha(raw[i+4]) && isLowerAlpha(raw[i+5]) && isLowerAlpha(raw[i+6]) && raw[i+7] == ' ' {
				if _, ok := monthPrefixes[string(raw[i+4:i+7])]; ok {
					return i
				}
			}
		}
	}
	return -1
}

func tryCtime(raw []byte, pos int) (time.Time, bool) {
	r := raw[pos:]
	if len(r) < 20 {
		return time.Time{}, false
	}
	after := r[4:]
	if len(after) < 15 {
		return time.Time{}, false
	}
	if after[3] != ' ' || after[6] != ' ' || after[9] != ':' || after[12] != ':' {
		return time.Time{}, false
	}

	end := 15
	hasFrac := false
	if end < len(after) && after[end] == '.' {
		hasFrac = true
		end++
		for end < len(after) && isDigit(after[end]) {
			end++
		}
	}

	hasYear := false
	if end+5 <= len(after) && after[end] == ' ' &&
		isDigit(after[end+1]) && isDigit(after[end+2]) && isDigit(after[end+3]) && isDigit(after[end+4]) {
		hasYear = true
		end += 5
	}

	tsStr := string(after[:end])

	var layouts []string
	switch {
	case hasYear && hasFrac:
		layouts = []string{"Jan  2 15:04:05.000000000 2006", "Jan 02 15:04:05.000000000 2006"}
	case hasYear:
		layouts = []string{"Jan  2 15:04:05 2006", "Jan 02 15:04:05 2006"}
	case hasFrac:
		layouts = []string{"Jan  2 15:04:05.000000000", "Jan 02 15:04:05.000000000"}
	default:
		layouts = []string{"Jan  2 15:04:05", "Jan 02 15:04:05"}
	}

	now := time.Now()
	for _, layout := range layouts {
		ts, err := time.Parse(layout, tsStr)
		if err != nil {
			continue
		}
		if !hasYear {
			ts = ts.AddDate(now.Year(), 0, 0)
			if ts.After(now.Add(24 * time.Hour)) {
				ts = ts.AddDate(-1, 0, 0)
			}
		}
		return ts, true
	}
	return time.Time{}, false
}

func isDigit(b byte) bool      { return b >= '0' && b <= '9' }
func isUpperAlpha(b byte) bool { return b >= 'A' && b <= 'Z' }
func isLowerAlpha(b byte) bool { return b >= 'a' && b <= 'z' }
