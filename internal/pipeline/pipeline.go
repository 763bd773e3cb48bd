// Package pipeline drives one scraper run: extract, validate, gate,
// enrich, serialize, write. Health is recorded on every exit path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"calscrape/internal/cache"
	"calscrape/internal/config"
	"calscrape/internal/extract"
	"calscrape/internal/fetch"
	"calscrape/internal/fsutil"
	"calscrape/internal/health"
	"calscrape/internal/ics"
	appLog "calscrape/internal/log"
	"calscrape/internal/metrics"
	"calscrape/internal/model"
	"calscrape/internal/normalize"
	"calscrape/internal/state"
)

// ErrNoEvents is reported when extraction yields no valid events.
var ErrNoEvents = errors.New("event extraction returned empty list")

// Result summarizes a run.
type Result struct {
	RunID  string
	Status string
	// EventCount is the number recorded in the health file: events written,
	// or upcoming events when the run was short-circuited.
	EventCount   int
	Upcoming     int
	Past         int
	Invalid      int
	Skipped      int
	DetailErrors int
	ShortCircuit bool
	Message      string
	Err          error
}

// ExitCode maps the result to a process exit status.
func (r Result) ExitCode() int {
	if r.Status == health.StatusError {
		return 1
	}
	return 0
}

// Runner holds everything a run needs. It is reused across scheduled runs
// but a single Run must not overlap another.
type Runner struct {
	cfg        *config.Config
	extractor  extract.Extractor
	serializer *ics.Serializer
	health     *health.Recorder
	metrics    *metrics.Manager
	loc        *time.Location
	now        func() time.Time
}

// New creates a Runner. m may be nil.
func New(cfg *config.Config, ex extract.Extractor, m *metrics.Manager) *Runner {
	loc, err := time.LoadLocation(cfg.Calendar.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Runner{
		cfg:        cfg,
		extractor:  ex,
		serializer: ics.NewSerializer(cfg),
		health:     health.NewRecorder(cfg.HealthFile),
		metrics:    m,
		loc:        loc,
		now:        time.Now,
	}
}

// Run performs one complete run.
func (r *Runner) Run(ctx context.Context) Result {
	started := r.now()
	res := Result{RunID: uuid.NewString()}
	appLog.Info("run started", "run_id", res.RunID, "method", r.extractor.Name(), "url", fetch.RedactURL(r.cfg.EventsURL))

	r.safeRun(ctx, &res, started)

	if _, err := r.health.Record(res.Status, res.EventCount, res.Message, res.Err); err != nil {
		appLog.Warn("health not recorded", "run_id", res.RunID, "err", err)
	}
	r.observe(res, started)

	if res.Err != nil {
		appLog.Error("run failed", res.Err, "run_id", res.RunID, "message", res.Message)
	} else {
		appLog.Info("run finished", "run_id", res.RunID, "status", res.Status, "message", res.Message,
			"duration", r.now().Sub(started).Round(time.Millisecond).String())
	}
	return res
}

// ErrCrashed wraps a panic recovered during a run.
var ErrCrashed = errors.New("run crashed")

// safeRun turns a panic into an error result so health is still recorded.
func (r *Runner) safeRun(ctx context.Context, res *Result, now time.Time) {
	defer func() {
		if p := recover(); p != nil {
			appLog.Error("run panicked", fmt.Errorf("%v", p), "run_id", res.RunID, "stack", string(debug.Stack()))
			res.Status = health.StatusError
			res.EventCount = 0
			res.ShortCircuit = false
			res.Message = "Run crashed unexpectedly"
			res.Err = fmt.Errorf("%w: %v", ErrCrashed, p)
		}
	}()
	r.run(ctx, res, now)
}

func (r *Runner) run(ctx context.Context, res *Result, now time.Time) {
	fail := func(msg string, err error) {
		res.Status = health.StatusError
		res.EventCount = 0
		res.Message = msg
		res.Err = err
	}

	raw, err := r.extractor.List(ctx)
	if err != nil {
		var pe *extract.ParseError
		if errors.As(err, &pe) {
			fail("Failed to parse events from website", err)
		} else {
			fail("Failed to fetch events from website", err)
		}
		return
	}
	r.metrics.SetEvents("extracted", len(raw))

	events, invalid := normalize.Filter(raw)
	res.Invalid = invalid
	if invalid > 0 {
		appLog.Warn("skipped invalid events", "run_id", res.RunID, "count", invalid)
	}
	if len(events) == 0 {
		fail("No events found on website", ErrNoEvents)
		return
	}

	upcoming, past := normalize.Partition(events, now, r.loc)
	res.Upcoming, res.Past = len(upcoming), len(past)
	keys := normalize.Keys(upcoming)
	current := state.SetOf(keys)

	if r.cfg.SkipIfNoNewEvents && r.outputExists() {
		previous := state.Load(r.cfg.StateFile)
		if !state.Changed(r.cfg.ChangePolicy, current, previous) {
			appLog.Info("no new events, skipping full scrape", "run_id", res.RunID,
				"current", len(current), "previous", len(previous))
			if err := state.Save(r.cfg.StateFile, keys, now); err != nil {
				appLog.Warn("state save failed", "run_id", res.RunID, "err", err)
			}
			res.ShortCircuit = true
			res.Status = health.StatusSuccess
			res.EventCount = len(current)
			res.Message = fmt.Sprintf("No new events detected (%d upcoming events)", len(current))
			return
		}
	}

	all := make([]model.Record, 0, len(events))
	if r.cfg.IncludePastEvents {
		all = append(all, past...)
	}
	all = append(all, upcoming...)
	normalize.SortByStart(all, r.loc)

	enriched, err := r.enrich(ctx, all, res, now)
	if err != nil {
		fail("Run cancelled during detail fetches", err)
		return
	}

	out := r.serializer.Calendar(enriched)
	res.Skipped = out.Skipped
	if out.Written == 0 {
		fail("No events could be written to the calendar", ErrNoEvents)
		return
	}
	if err := ics.Check(out.Data, out.Written, r.cfg.Calendar.LineLength); err != nil {
		fail("Generated calendar failed validation", err)
		return
	}
	path := r.cfg.ICSPath()
	if err := fsutil.WriteFile(path, out.Data, 0o644); err != nil {
		fail("Failed to write calendar file", err)
		return
	}
	appLog.Info("wrote calendar", "run_id", res.RunID, "path", path, "events", out.Written)

	if err := state.Save(r.cfg.StateFile, keys, now); err != nil {
		appLog.Warn("state save failed", "run_id", res.RunID, "err", err)
	}

	res.EventCount = out.Written
	res.Message = fmt.Sprintf("Successfully processed %d events (%d upcoming)", out.Written, len(current))
	res.Status = health.StatusSuccess
	if notes := res.notes(); notes != "" {
		res.Status = health.StatusPartial
		res.Message += "; " + notes
	}
}

// enrich merges cached or freshly fetched details into records. Detail
// failures are logged and the record keeps its list data.
func (r *Runner) enrich(ctx context.Context, records []model.Record, res *Result, now time.Time) ([]model.Record, error) {
	if !r.extractor.HasDetail() {
		return records, nil
	}

	c := cache.Load(r.cfg.CacheFile, r.cfg.CacheExpiryDays, now)
	pacer := fetch.NewPacer(time.Duration(r.cfg.HTTP.FetchDelayMs) * time.Millisecond)
	defer func() {
		hits, misses := c.Stats()
		r.metrics.AddCache(hits, misses)
		if err := c.Save(); err != nil {
			appLog.Warn("cache save failed", "run_id", res.RunID, "err", err)
		}
	}()

	out := make([]model.Record, 0, len(records))
	for _, rec := range records {
		id := rec.Identifier()
		if id == "" {
			out = append(out, rec)
			continue
		}
		detail, err := c.GetOrFetch(ctx, id, pacer, r.extractor.Detail)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			appLog.Warn("failed to fetch event detail", "run_id", res.RunID, "id", id, "err", err)
			res.DetailErrors++
			r.metrics.DetailError()
		}
		out = append(out, normalize.Merge(rec, detail))
	}
	return out, nil
}

func (r *Runner) outputExists() bool {
	_, err := os.Stat(r.cfg.ICSPath())
	return err == nil
}

func (r *Runner) observe(res Result, started time.Time) {
	if r.metrics == nil {
		return
	}
	finished := r.now()
	r.metrics.SetEvents("upcoming", res.Upcoming)
	r.metrics.SetEvents("past", res.Past)
	if !res.ShortCircuit && res.Status != health.StatusError {
		r.metrics.SetEvents("written", res.EventCount)
	}
	r.metrics.AddInvalid(res.Invalid)
	r.metrics.AddSkipped(res.Skipped)
	r.metrics.RunFinished(res.Status, res.Status != health.StatusError, finished.Sub(started), finished)
	if err := r.metrics.WriteTextfile(r.cfg.MetricsFile); err != nil {
		appLog.Warn("metrics textfile not written", "run_id", res.RunID, "path", r.cfg.MetricsFile, "err", err)
	}
}

func (res *Result) notes() string {
	var parts []string
	if res.Invalid > 0 {
		parts = append(parts, fmt.Sprintf("%d invalid events skipped", res.Invalid))
	}
	if res.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d events without start time skipped", res.Skipped))
	}
	if res.DetailErrors > 0 {
		parts = append(parts, fmt.Sprintf("%d detail fetches failed", res.DetailErrors))
	}
	return strings.Join(parts, ", ")
}
