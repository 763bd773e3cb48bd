// Package normalize validates raw event records, merges detail data into
// them and splits them into upcoming and past events.
package normalize

import (
	"fmt"
	"sort"
	"time"

	appLog "calscrape/internal/log"
	"calscrape/internal/model"
)

// CachedAtField is bookkeeping added by the detail cache. It is never
// merged into an event.
const CachedAtField = "cached_at"

// ValidationError explains why a record was rejected.
type ValidationError struct {
	Title  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Title == "" {
		return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid event %q: %s %s", e.Title, e.Field, e.Reason)
}

// Validate checks that a record has a non-empty title and a parseable
// start_at.
func Validate(r model.Record) error {
	title := r.Title()
	if title == "" {
		return &ValidationError{Field: model.FieldTitle, Reason: "is missing"}
	}
	raw := r.String(model.FieldStartAt)
	if raw == "" {
		return &ValidationError{Title: title, Field: model.FieldStartAt, Reason: "is missing"}
	}
	if _, ok := model.ParseStamp(raw); !ok {
		return &ValidationError{Title: title, Field: model.FieldStartAt, Reason: fmt.Sprintf("%q is not a timestamp", raw)}
	}
	return nil
}

// Valid reports whether Validate accepts r.
func Valid(r model.Record) bool { return Validate(r) == nil }

// Filter keeps valid records and returns how many were dropped.
func Filter(records []model.Record) ([]model.Record, int) {
	out := make([]model.Record, 0, len(records))
	for _, r := range records {
		if err := Validate(r); err != nil {
			appLog.Warn("skipping event", "err", err)
			continue
		}
		out = append(out, r)
	}
	return out, len(records) - len(out)
}

// Merge combines a list record with its detail record. A non-empty detail
// description always replaces the list one, a detail location only fills
// an empty list location, and every other non-null detail field is copied
// in. The list record is not modified.
func Merge(list, detail model.Record) model.Record {
	merged := list.Clone()
	if len(detail) == 0 {
		return merged
	}

	if d := detail.String(model.FieldDescription); d != "" {
		merged[model.FieldDescription] = detail[model.FieldDescription]
	}
	if l := detail.String(model.FieldLocation); l != "" && merged.String(model.FieldLocation) == "" {
		merged[model.FieldLocation] = detail[model.FieldLocation]
	}

	for k, v := range detail {
		switch k {
		case model.FieldDescription, model.FieldLocation, CachedAtField:
			continue
		}
		if v == nil {
			continue
		}
		merged[k] = v
	}
	return merged
}

// Partition splits records into upcoming (start >= now) and past. Naive
// start times are read in loc. Records whose start cannot be parsed count
// as upcoming.
func Partition(records []model.Record, now time.Time, loc *time.Location) (upcoming, past []model.Record) {
	upcoming = make([]model.Record, 0, len(records))
	past = make([]model.Record, 0)
	for _, r := range records {
		st, ok := r.Start()
		if !ok || !st.In(loc).Before(now) {
			upcoming = append(upcoming, r)
			continue
		}
		past = append(past, r)
	}
	return upcoming, past
}

// SortByStart orders records by start ascending. Records without a
// parseable start go first; ties keep their input order.
func SortByStart(records []model.Record, loc *time.Location) {
	key := func(r model.Record) (time.Time, bool) {
		st, ok := r.Start()
		if !ok {
			return time.Time{}, false
		}
		return st.In(loc), true
	}
	sort.SliceStable(records, func(i, j int) bool {
		ti, oki := key(records[i])
		tj, okj := key(records[j])
		if oki != okj {
			return !oki
		}
		return ti.Before(tj)
	})
}

// Keys returns the change-gate keys of records.
func Keys(records []model.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		if k := r.GateKey(); k != "" {
			out = append(out, k)
		}
	}
	return out
}
