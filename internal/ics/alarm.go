package ics

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"calscrape/internal/config"
)

const (
	defaultAlarmDescription = "Event Reminder"
	fallbackTrigger         = "-PT1H"
)

// Trigger returns the VALARM TRIGGER duration for rule.
//
// Rules with days_before > 0 fire that many days before the start. Same-day
// rules fire at the rule's HH:MM (or defaultTime) on the event day, which is
// expressed as the minutes between that time and the event's wall-clock
// start. A time at or after the start falls back to one hour before.
func Trigger(rule config.AlarmConfig, defaultTime string, start time.Time) string {
	if rule.DaysBefore > 0 {
		return fmt.Sprintf("-P%dD", rule.DaysBefore)
	}

	hhmm := rule.Time
	if hhmm == "" {
		hhmm = defaultTime
	}
	h, m, ok := ParseClock(hhmm)
	if !ok {
		return fallbackTrigger
	}

	minutes := (start.Hour()*60 + start.Minute()) - (h*60 + m)
	if minutes <= 0 {
		return fallbackTrigger
	}
	return formatMinutes(minutes)
}

func formatMinutes(total int) string {
	h, m := total/60, total%60
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("-PT%dH%dM", h, m)
	case h > 0:
		return fmt.Sprintf("-PT%dH", h)
	default:
		return fmt.Sprintf("-PT%dM", m)
	}
}

// ParseClock parses "HH:MM" or "HH".
func ParseClock(s string) (hour, minute int, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	if len(parts) == 2 {
		m, err := strconv.Atoi(parts[1])
		if err != nil || m < 0 || m > 59 {
			return 0, 0, false
		}
		return h, m, true
	}
	return h, 0, true
}

// alarmLines renders one VALARM block.
func alarmLines(rule config.AlarmConfig, defaultTime string, start time.Time, limit int) []string {
	desc := rule.Description
	if desc == "" {
		desc = defaultAlarmDescription
	}
	return []string{
		"BEGIN:VALARM",
		"ACTION:DISPLAY",
		Property("DESCRIPTION", desc, limit),
		"TRIGGER:" + Trigger(rule, defaultTime, start),
		"END:VALARM",
	}
}
