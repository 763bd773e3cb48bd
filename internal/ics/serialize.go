package ics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"calscrape/internal/config"
	appLog "calscrape/internal/log"
	"calscrape/internal/model"
	"calscrape/internal/normalize"
)

const (
	utcLayout   = "20060102T150405Z"
	localLayout = "20060102T150405"
)

// ErrNoStart marks events that cannot be written because start_at is
// missing or unparseable.
var ErrNoStart = errors.New("no valid start time")

// Serializer renders canonical events as one VCALENDAR document.
type Serializer struct {
	cal       config.CalendarConfig
	notify    config.NotificationConfig
	baseURL   string
	eventURL  string
	maxEvents int
	loc       *time.Location
	now       func() time.Time
}

// NewSerializer builds a serializer from the calendar, notification and
// URL settings of cfg.
func NewSerializer(cfg *config.Config) *Serializer {
	loc, err := time.LoadLocation(cfg.Calendar.Timezone)
	if err != nil {
		loc = time.UTC
	}
	limit := cfg.Calendar.LineLength
	if limit < 2 {
		limit = DefaultLineLength
	}
	cal := cfg.Calendar
	cal.LineLength = limit
	return &Serializer{
		cal:       cal,
		notify:    cfg.Notifications,
		baseURL:   cfg.BaseURL,
		eventURL:  cfg.EventURL,
		maxEvents: cfg.MaxEvents,
		loc:       loc,
		now:       time.Now,
	}
}

// Output is a rendered calendar.
type Output struct {
	Data []byte
	// Written is the number of VEVENTs in Data.
	Written int
	// Skipped counts events dropped for lack of a start time.
	Skipped int
}

// Calendar renders records in the given order. At most max_events records
// are considered when the cap is set.
func (s *Serializer) Calendar(records []model.Record) Output {
	if s.maxEvents > 0 && len(records) > s.maxEvents {
		records = records[:s.maxEvents]
	}

	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		Fold("PRODID:"+s.cal.ProdID, s.cal.LineLength),
		"CALSCALE:GREGORIAN",
		"METHOD:PUBLISH",
		Property("X-WR-CALNAME", s.cal.Name, s.cal.LineLength),
		Property("X-WR-CALDESC", s.cal.Description, s.cal.LineLength),
		Fold("X-WR-TIMEZONE:"+s.cal.Timezone, s.cal.LineLength),
	}

	var out Output
	for _, r := range records {
		ev, err := s.Event(r)
		if err != nil {
			appLog.Warn("skipping event", "title", r.Title(), "err", err)
			out.Skipped++
			continue
		}
		lines = append(lines, ev...)
		out.Written++
	}
	lines = append(lines, "END:VCALENDAR")

	out.Data = []byte(strings.Join(lines, CRLF) + CRLF)
	return out
}

// Event renders one VEVENT as content lines without terminators.
func (s *Serializer) Event(r model.Record) ([]string, error) {
	limit := s.cal.LineLength

	start, ok := r.Start()
	if !ok {
		return nil, ErrNoStart
	}
	end, ok := r.End()
	if ok {
		end = s.matchForm(end, start)
	}
	if !ok || !end.In(s.loc).After(start.In(s.loc)) {
		end = start.Add(time.Hour)
	}

	startStr, endStr := s.formatStamp(start), s.formatStamp(end)
	link := s.EventURL(r)

	title := r.Title()
	if title == "" {
		title = "Untitled Event"
	}
	desc := normalize.DescriptionWithLink(normalize.CleanDescription(r.String(model.FieldDescription)), link)

	lines := []string{
		"BEGIN:VEVENT",
		Fold("UID:"+s.UID(r, startStr), limit),
		"DTSTAMP:" + s.dtstamp(r),
		"DTSTART:" + startStr,
		"DTEND:" + endStr,
		Property("SUMMARY", title, limit),
		Property("DESCRIPTION", desc, limit),
	}
	if loc := r.String(model.FieldLocation); loc != "" {
		lines = append(lines, Property("LOCATION", loc, limit))
	}
	if link != "" {
		lines = append(lines, Property("URL", link, limit))
	}
	if geo, ok := geoOf(r); ok {
		lines = append(lines, geo)
	}
	lines = append(lines, "STATUS:CONFIRMED")

	if s.notify.Enabled {
		for _, rule := range s.notify.Alarms {
			lines = append(lines, alarmLines(rule, s.notify.Time, start.Time, limit)...)
		}
	}

	lines = append(lines, "END:VEVENT")
	return lines, nil
}

// EventURL is the public link of r: the event_url template filled with the
// slug when there is one, else the record's own url.
func (s *Serializer) EventURL(r model.Record) string {
	if slug := r.String(model.FieldSlug); slug != "" && s.eventURL != "" {
		return strings.NewReplacer(
			"{base}", strings.TrimRight(s.baseURL, "/"),
			"{slug}", slug,
		).Replace(s.eventURL)
	}
	return r.String(model.FieldURL)
}

// UID is {id|slug}@domain, or {start}-{title}@domain with the title cut to
// 20 characters when the record has no identifier.
func (s *Serializer) UID(r model.Record, startStr string) string {
	id := r.String(model.FieldID)
	if id == "" {
		id = r.String(model.FieldSlug)
	}
	if id != "" {
		return id + "@" + s.cal.UIDDomain
	}
	title := []rune(r.Title())
	if len(title) > 20 {
		title = title[:20]
	}
	return startStr + "-" + string(title) + "@" + s.cal.UIDDomain
}

// formatStamp writes zoned times in UTC with a Z suffix and naive times as
// floating local times.
func (s *Serializer) formatStamp(st model.Stamp) string {
	if st.Zoned {
		return st.Time.UTC().Format(utcLayout)
	}
	return st.Time.Format(localLayout)
}

// matchForm expresses end in the same form as start so DTSTART and DTEND
// are both UTC or both floating.
func (s *Serializer) matchForm(end, start model.Stamp) model.Stamp {
	switch {
	case end.Zoned == start.Zoned:
		return end
	case start.Zoned:
		return model.Stamp{Time: end.In(s.loc), Zoned: true}
	default:
		w := end.Time.In(s.loc)
		return model.Stamp{
			Time: time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), w.Second(), w.Nanosecond(), time.UTC),
		}
	}
}

func (s *Serializer) dtstamp(r model.Record) string {
	if upd, ok := model.ParseStamp(r.String(model.FieldUpdatedAt)); ok {
		return upd.In(s.loc).UTC().Format(utcLayout)
	}
	return s.now().UTC().Format(utcLayout)
}

func geoOf(r model.Record) (string, bool) {
	lat, okLat := r.Float(model.FieldLatitude)
	lon, okLon := r.Float(model.FieldLongitude)
	if !okLat || !okLon {
		return "", false
	}
	return fmt.Sprintf("GEO:%s;%s",
		strconv.FormatFloat(lat, 'f', -1, 64),
		strconv.FormatFloat(lon, 'f', -1, 64)), true
}
