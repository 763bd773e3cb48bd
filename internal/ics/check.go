package ics

import (
	"bytes"
	"fmt"

	ical "github.com/arran4/golang-ical"
)

// Check parses a rendered calendar back and verifies that it holds want
// VEVENTs and that every physical line is CRLF-terminated and within
// limit octets.
func Check(data []byte, want, limit int) error {
	if limit < 2 {
		limit = DefaultLineLength
	}
	for i, line := range bytes.SplitAfter(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if !bytes.HasSuffix(line, []byte(CRLF)) {
			return fmt.Errorf("ics: line %d is not CRLF-terminated", i+1)
		}
		if n := len(line) - len(CRLF); n > limit {
			return fmt.Errorf("ics: line %d is %d octets, limit %d", i+1, n, limit)
		}
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("ics: output does not parse: %w", err)
	}
	if got := len(cal.Events()); got != want {
		return fmt.Errorf("ics: output holds %d events, expected %d", got, want)
	}
	return nil
}
