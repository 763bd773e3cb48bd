package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Well-known record fields. Extractors may add any others; they travel
// through merge untouched.
const (
	FieldTitle       = "title"
	FieldStartAt     = "start_at"
	FieldEndAt       = "end_at"
	FieldLocation    = "location"
	FieldDescription = "description"
	FieldURL         = "url"
	FieldSlug        = "slug"
	FieldID          = "id"
	FieldUpdatedAt   = "updated_at"
	FieldLatitude    = "map_latitude"
	FieldLongitude   = "map_longitude"
	FieldDateText    = "date_text"
)

// Record is a loosely-structured event as produced by an extractor
// (field name -> value). After merging with detail data the same type
// carries the canonical event.
type Record map[string]any

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the field rendered as trimmed text, or "" when the field
// is absent or null.
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Float parses a numeric field. Strings holding numbers are accepted.
func (r Record) Float(key string) (float64, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func (r Record) Title() string { return r.String(FieldTitle) }

// Identifier is the stable key used for caching: slug, then id.
func (r Record) Identifier() string {
	if s := r.String(FieldSlug); s != "" {
		return s
	}
	return r.String(FieldID)
}

// GateKey is the key used for change detection. It falls back to the
// title so that records without any identifier still take part.
func (r Record) GateKey() string {
	if id := r.Identifier(); id != "" {
		return id
	}
	return r.Title()
}

// Start parses start_at.
func (r Record) Start() (Stamp, bool) {
	return ParseStamp(r.String(FieldStartAt))
}

// End parses end_at.
func (r Record) End() (Stamp, bool) {
	return ParseStamp(r.String(FieldEndAt))
}

// Stamp is a parsed timestamp that remembers whether the source carried a
// zone. Naive times hold their wall clock in Time with time.UTC as a
// placeholder location.
type Stamp struct {
	Time  time.Time
	Zoned bool
}

// In resolves the stamp to an instant, reading naive wall clocks in loc.
func (s Stamp) In(loc *time.Location) time.Time {
	if s.Zoned {
		return s.Time
	}
	if loc == nil {
		loc = time.UTC
	}
	t := s.Time
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// Add shifts the stamp, keeping its zoned-ness.
func (s Stamp) Add(d time.Duration) Stamp {
	return Stamp{Time: s.Time.Add(d), Zoned: s.Zoned}
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"20060102T150405Z",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"20060102T150405",
	"2006-01-02",
}

// ParseStamp parses ISO-8601 style timestamps such as
// 2026-03-16T11:30:00.000-06:00, 2026-03-28T10:30:00.000Z and
// 2026-03-16T11:30:00 (naive).
func ParseStamp(s string) (Stamp, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Stamp{}, false
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Stamp{Time: t, Zoned: true}, true
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return Stamp{Time: t, Zoned: false}, true
		}
	}
	return Stamp{}, false
}
