package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var dateLayouts = []string{
	"2 January 2006",
	"02/01/2006",
	"2/1/2006",
	"2006-01-02",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"Monday, 2 January 2006",
}

var (
	timeAMPM = regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})\s*(AM|PM)\b`)
	time24   = regexp.MustCompile(`\b(\d{1,2}):(\d{2})(?::(\d{2}))?\b`)
	dateISO  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	dateDMY  = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`)
	dateLong = regexp.MustCompile(`\b\d{1,2}\s+[A-Za-z]+\s+\d{4}\b`)
	dateUS   = regexp.MustCompile(`\b[A-Za-z]+\s+\d{1,2},\s*\d{4}\b`)
)

// parseDateText finds a calendar date in free text. When pattern is given
// its first three groups are day, month name and year.
func parseDateText(text string, pattern *regexp.Regexp) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}

	if pattern != nil {
		m := pattern.FindStringSubmatch(text)
		if len(m) >= 3 {
			day, err := strconv.Atoi(m[1])
			if err != nil {
				return time.Time{}, false
			}
			month, ok := monthByName(m[2])
			if !ok {
				return time.Time{}, false
			}
			year := time.Now().Year()
			if len(m) >= 4 && m[3] != "" {
				if y, err := strconv.Atoi(m[3]); err == nil {
					year = y
				}
			}
			t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
			if t.Day() != day {
				return time.Time{}, false
			}
			return t, true
		}
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, true
		}
	}

	// Fall back to the first date-looking fragment inside longer text.
	for _, re := range []*regexp.Regexp{dateISO, dateDMY, dateLong, dateUS} {
		frag := re.FindString(text)
		if frag == "" {
			continue
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, frag); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// parseTimeText finds a clock time such as "14:30", "14:30:00" or "2:30 PM".
func parseTimeText(text string) (hour, minute, second int, ok bool) {
	if m := timeAMPM.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		if h < 1 || h > 12 || mi > 59 {
			return 0, 0, 0, false
		}
		switch strings.ToUpper(m[3]) {
		case "PM":
			if h != 12 {
				h += 12
			}
		case "AM":
			if h == 12 {
				h = 0
			}
		}
		return h, mi, 0, true
	}
	if m := time24.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		s := 0
		if m[3] != "" {
			s, _ = strconv.Atoi(m[3])
		}
		if h > 23 || mi > 59 || s > 59 {
			return 0, 0, 0, false
		}
		return h, mi, s, true
	}
	return 0, 0, 0, false
}

// parseDateTimeText combines parseDateText and parseTimeText into a naive
// ISO-8601 start value.
func parseDateTimeText(text string, pattern *regexp.Regexp) (string, bool) {
	d, ok := parseDateText(text, pattern)
	if !ok {
		return "", false
	}
	if h, m, s, ok := parseTimeText(text); ok {
		return time.Date(d.Year(), d.Month(), d.Day(), h, m, s, 0, time.UTC).Format("2006-01-02T15:04:05"), true
	}
	return d.Format("2006-01-02"), true
}

func monthByName(name string) (time.Month, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if len(name) < 3 {
		return 0, false
	}
	for m := time.January; m <= time.December; m++ {
		full := strings.ToLower(m.String())
		if name == full || name == full[:3] {
			return m, true
		}
	}
	return 0, false
}
