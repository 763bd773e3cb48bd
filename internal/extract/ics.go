package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"calscrape/internal/fetch"
	appLog "calscrape/internal/log"
	"calscrape/internal/model"
)

const (
	defaultHorizonDays            = 365
	defaultMaxOccurrencesPerEvent = 5000
)

// ICS reads events from an upstream iCalendar feed. Recurring events are
// expanded into one record per occurrence inside the horizon window.
type ICS struct {
	source      fetch.Source
	url         string
	loc         *time.Location
	horizonDays int
	now         func() time.Time
}

// NewICS creates an ICS extractor. Floating (zone-less) times are read in
// timezone; horizonDays bounds expansion on both sides of now.
func NewICS(src fetch.Source, eventsURL, timezone string, horizonDays int) *ICS {
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}
	if horizonDays <= 0 {
		horizonDays = defaultHorizonDays
	}
	return &ICS{source: src, url: eventsURL, loc: loc, horizonDays: horizonDays, now: time.Now}
}

func (x *ICS) Name() string { return "ics" }

func (x *ICS) HasDetail() bool { return false }

func (x *ICS) Detail(_ context.Context, _ string) (model.Record, error) {
	return model.Record{}, nil
}

func (x *ICS) List(ctx context.Context) ([]model.Record, error) {
	body, err := x.source.Get(ctx, x.url)
	if err != nil {
		return nil, err
	}
	events, err := parseFeed(body, x.loc)
	if err != nil {
		return nil, err
	}
	now := x.now()
	horizon := time.Duration(x.horizonDays) * 24 * time.Hour
	records := expandFeed(events, now.Add(-horizon), now.Add(horizon))
	appLog.Info("extracted events", "method", "ics", "vevents", len(events), "count", len(records))
	return records, nil
}

// feedEvent is a VEVENT reduced to what record building and recurrence
// expansion need.
type feedEvent struct {
	UID         string
	Summary     string
	Description string
	Location    string
	URL         string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Modified    time.Time

	RRule      string
	ExDates    []time.Time
	Recurrence *time.Time
}

func parseFeed(body []byte, loc *time.Location) ([]feedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, parseErr("ics", "empty feed")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{Method: "ics", Err: err}
	}

	events := make([]feedEvent, 0)
	for _, ve := range cal.Events() {
		ev, perr := parseVEvent(ve, loc)
		if perr != nil {
			// Skip this event, keep the others.
			appLog.Warn("ics vevent skipped", "err", perr)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (feedEvent, error) {
	var out feedEvent

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uid.Value)

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyUrl); p != nil {
		out.URL = p.Value
	}

	dtstart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtstart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := propTime(dtstart, loc)
	if err != nil {
		return out, err
	}
	out.Start = start
	out.AllDay = allDay

	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		if end, _, err := propTime(p, loc); err == nil {
			out.End = end
		}
	} else if p := ve.GetProperty(ical.ComponentProperty(ical.PropertyDuration)); p != nil {
		if days, d, err := parseICSDuration(p.Value); err == nil {
			out.End = start.AddDate(0, 0, days).Add(d)
		} else {
			appLog.Debug("ignoring unreadable DURATION", "uid", out.UID, "value", p.Value, "err", err)
		}
	}
	if !out.End.After(out.Start) {
		if allDay {
			out.End = out.Start.AddDate(0, 0, 1)
		} else {
			out.End = out.Start.Add(time.Hour)
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyLastModified); p != nil {
		if t, _, err := propTime(p, time.UTC); err == nil {
			out.Modified = t
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tz := out.Start.Location()
		if tzid := param(p, "TZID"); tzid != "" {
			if l, err := time.LoadLocation(tzid); err == nil {
				tz = l
			}
		}
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, tz); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		if t, _, err := propTime(p, loc); err == nil {
			out.Recurrence = &t
		}
	}

	return out, nil
}

// propTime reads a DATE or DATE-TIME property honoring TZID. Floating
// values are read in loc.
func propTime(p *ical.IANAProperty, loc *time.Location) (time.Time, bool, error) {
	v := strings.TrimSpace(p.Value)
	allDay := strings.EqualFold(param(p, "VALUE"), "DATE") || !strings.Contains(v, "T")
	if tzid := param(p, "TZID"); tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	t, err := parseICSTime(v, loc)
	return t, allDay, err
}

func param(p *ical.IANAProperty, name string) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if vs := p.ICalParameters[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// parseICSTime parses DATE, local DATE-TIME and UTC DATE-TIME values.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}

// expandFeed turns parsed events into records, expanding RRULEs within
// [from, to] and applying EXDATE and RECURRENCE-ID overrides.
func expandFeed(events []feedEvent, from, to time.Time) []model.Record {
	bases := make([]feedEvent, 0, len(events))
	overrides := make(map[string][]feedEvent)
	for _, ev := range events {
		if ev.Recurrence != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		bases = append(bases, ev)
	}

	out := make([]model.Record, 0, len(bases))
	for _, ev := range bases {
		if ev.RRule == "" {
			if overlaps(ev.Start, ev.End, from, to) {
				out = append(out, recordOf(ev, ev.Start, ev.End, ""))
			}
			continue
		}
		out = append(out, expandRecurring(ev, overrides[ev.UID], from, to)...)
	}
	return out
}

func expandRecurring(ev feedEvent, overrides []feedEvent, from, to time.Time) []model.Record {
	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		appLog.Warn("ics rrule skipped", "uid", ev.UID, "rrule", ev.RRule, "err", err)
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	times := set.Between(from.In(ev.Start.Location()), to.In(ev.Start.Location()), true)
	if len(times) > defaultMaxOccurrencesPerEvent {
		appLog.Warn("ics occurrences truncated", "uid", ev.UID, "cap", defaultMaxOccurrencesPerEvent)
		times = times[:defaultMaxOccurrencesPerEvent]
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]model.Record, 0, len(times))
	for _, start := range times {
		key := occurrenceKey(start, ev.AllDay)
		if o, ok := findOverride(overrides, start); ok {
			out = append(out, recordOf(o, o.Start, o.End, key))
			continue
		}
		out = append(out, recordOf(ev, start, start.Add(dur), key))
	}
	return out
}

func findOverride(overrides []feedEvent, start time.Time) (feedEvent, bool) {
	for _, o := range overrides {
		if o.Recurrence != nil && o.Recurrence.Equal(start) {
			return o, true
		}
	}
	return feedEvent{}, false
}

func occurrenceKey(start time.Time, allDay bool) string {
	if allDay {
		return start.Format("20060102")
	}
	return start.UTC().Format("20060102T150405Z")
}

// recordOf builds a record for one occurrence. The slug is the UID,
// suffixed with the occurrence key for recurring instances.
func recordOf(ev feedEvent, start, end time.Time, key string) model.Record {
	slug := ev.UID
	if key != "" {
		slug = ev.UID + "-" + key
	}
	rec := model.Record{
		model.FieldSlug:  slug,
		model.FieldTitle: strings.TrimSpace(ev.Summary),
	}
	if ev.AllDay {
		rec[model.FieldStartAt] = start.Format("2006-01-02")
		rec[model.FieldEndAt] = end.Format("2006-01-02")
	} else {
		rec[model.FieldStartAt] = start.Format(time.RFC3339)
		rec[model.FieldEndAt] = end.Format(time.RFC3339)
	}
	if ev.Location != "" {
		rec[model.FieldLocation] = ev.Location
	}
	if ev.Description != "" {
		rec[model.FieldDescription] = ev.Description
	}
	if ev.URL != "" {
		rec[model.FieldURL] = ev.URL
	}
	if !ev.Modified.IsZero() {
		rec[model.FieldUpdatedAt] = ev.Modified.UTC().Format(time.RFC3339)
	}
	return rec
}

// parseICSDuration reads an RFC 5545 dur-value such as P1W, P2D,
// PT1H30M or P1DT12H. Weeks and days are nominal and returned as a day
// count; the time part is exact. Negative durations are rejected.
func parseICSDuration(v string) (int, time.Duration, error) {
	v = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(v, "+")))
	if !strings.HasPrefix(v, "P") || len(v) < 3 {
		return 0, 0, fmt.Errorf("invalid duration %q", v)
	}
	var (
		days   int
		d      time.Duration
		inTime bool
		n      int
		digits bool
	)
	for _, c := range v[1:] {
		switch {
		case c >= '0' && c <= '9':
			n = n*10 + int(c-'0')
			digits = true
			continue
		case c == 'T' && !inTime && !digits:
			inTime = true
			continue
		}
		if !digits {
			return 0, 0, fmt.Errorf("invalid duration %q", v)
		}
		switch {
		case c == 'W' && !inTime:
			days += 7 * n
		case c == 'D' && !inTime:
			days += n
		case c == 'H' && inTime:
			d += time.Duration(n) * time.Hour
		case c == 'M' && inTime:
			d += time.Duration(n) * time.Minute
		case c == 'S' && inTime:
			d += time.Duration(n) * time.Second
		default:
			return 0, 0, fmt.Errorf("invalid duration %q", v)
		}
		n, digits = 0, false
	}
	if digits {
		return 0, 0, fmt.Errorf("invalid duration %q", v)
	}
	return days, d, nil
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
