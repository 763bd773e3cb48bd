package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"calscrape/internal/config"
	"calscrape/internal/extract"
	"calscrape/internal/fetch"
	"calscrape/internal/health"
	"calscrape/internal/metrics"
	"calscrape/internal/model"
	"calscrape/internal/pipeline"
	"calscrape/internal/state"

	. "github.com/smartystreets/goconvey/convey"
)

type site struct {
	listHits   atomic.Int32
	detailHits atomic.Int32
	listStatus atomic.Int32
	events     atomic.Value // string: JSON array of events
	brokenID   atomic.Value // string
}

func (s *site) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/events":
			s.listHits.Add(1)
			if code := int(s.listStatus.Load()); code != 0 {
				http.Error(w, "down", code)
				return
			}
			fmt.Fprintf(w, `<html><body><script id="__NEXT_DATA__" type="application/json">
{"props":{"pageProps":{"events":{"upcoming":%s,"past":[]}}}}</script></body></html>`, s.events.Load().(string))
		case strings.HasPrefix(r.URL.Path, "/events/"):
			s.detailHits.Add(1)
			id := strings.TrimPrefix(r.URL.Path, "/events/")
			if b, _ := s.brokenID.Load().(string); b == id {
				http.Error(w, "gone", http.StatusInternalServerError)
				return
			}
			fmt.Fprintf(w, `<html><body><script id="__NEXT_DATA__" type="application/json">
{"props":{"pageProps":{"event":{"slug":%q,"description":"Full details for %s","map_latitude":51.5,"map_longitude":-0.1}}}}</script></body></html>`, id, id)
		default:
			http.NotFound(w, r)
		}
	})
}

func eventsJSON(now time.Time) string {
	future := now.Add(24 * time.Hour).UTC().Format(time.RFC3339)
	past := now.Add(-30 * 24 * time.Hour).UTC().Format(time.RFC3339)
	return fmt.Sprintf(`[
{"slug":"future-talk","title":"Future Talk","start_at":%q,"description":"short"},
{"slug":"old-talk","title":"Old Talk","start_at":%q},
{"slug":"broken","title":""}
]`, future, past)
}

func newRunner(srvURL, dir string) (*config.Config, *pipeline.Runner, *metrics.Manager) {
	cfg := config.DefaultConfig()
	cfg.EventsURL = srvURL + "/events"
	cfg.BaseURL = srvURL
	cfg.OutputDir = filepath.Join(dir, "docs")
	cfg.CacheFile = filepath.Join(dir, "cache.json")
	cfg.MetricsFile = filepath.Join(dir, "calscrape.prom")
	cfg.HTTP.FetchDelayMs = 0
	cfg.Notifications.Enabled = true
	cfg.Notifications.Alarms = []config.AlarmConfig{{DaysBefore: 1}}
	cfg.Normalize()

	f := fetch.New(fetch.WithRetries(2), fetch.WithBackoff(time.Millisecond, 2), fetch.WithTimeout(2*time.Second))
	ex, err := extract.New(cfg, f, f)
	if err != nil {
		panic(err)
	}
	m := metrics.NewManager()
	return cfg, pipeline.New(cfg, ex, m), m
}

func TestRun(t *testing.T) {
	Convey("Given an events site", t, func() {
		s := &site{}
		s.events.Store(eventsJSON(time.Now()))
		s.brokenID.Store("")
		srv := httptest.NewServer(s.handler())
		Reset(srv.Close)

		dir := t.TempDir()
		cfg, runner, _ := newRunner(srv.URL, dir)

		Convey("When the first run completes", func() {
			res := runner.Run(context.Background())

			Convey("Then both events are written, sorted, with one alarm each", func() {
				So(res.Err, ShouldBeNil)
				So(res.ExitCode(), ShouldEqual, 0)
				So(res.EventCount, ShouldEqual, 2)
				So(res.Invalid, ShouldEqual, 1)
				So(res.Status, ShouldEqual, health.StatusPartial)

				data, err := os.ReadFile(cfg.ICSPath())
				So(err, ShouldBeNil)
				doc := string(data)
				So(strings.Count(doc, "BEGIN:VEVENT"), ShouldEqual, 2)
				So(strings.Count(doc, "BEGIN:VALARM"), ShouldEqual, 2)
				So(strings.Index(doc, "SUMMARY:Old Talk"), ShouldBeLessThan, strings.Index(doc, "SUMMARY:Future Talk"))
				So(doc, ShouldContainSubstring, "UID:future-talk@")
				So(doc, ShouldContainSubstring, "GEO:51.5;-0.1")
			})

			Convey("Then the detail description overrides the list one", func() {
				data, _ := os.ReadFile(cfg.ICSPath())
				So(string(data), ShouldContainSubstring, "DESCRIPTION:Full details for future-talk")
				So(string(data), ShouldNotContainSubstring, "DESCRIPTION:short")
			})

			Convey("Then health, state and metrics are recorded", func() {
				st, err := health.Load(cfg.HealthFile)
				So(err, ShouldBeNil)
				So(st.Status, ShouldEqual, "partial")
				So(st.EventCount, ShouldEqual, 2)
				So(st.Message, ShouldStartWith, "Successfully processed 2 events (1 upcoming)")

				So(state.Load(cfg.StateFile), ShouldResemble, state.SetOf([]string{"future-talk"}))

				prom, err := os.ReadFile(cfg.MetricsFile)
				So(err, ShouldBeNil)
				So(string(prom), ShouldContainSubstring, `calscrape_runs_total{status="partial"} 1`)
			})

			Convey("When nothing new appears on the next run", func() {
				before, _ := os.ReadFile(cfg.ICSPath())
				detailHits := s.detailHits.Load()
				res := runner.Run(context.Background())

				Convey("Then the run short-circuits without touching the output", func() {
					So(res.ShortCircuit, ShouldBeTrue)
					So(res.Status, ShouldEqual, health.StatusSuccess)
					after, _ := os.ReadFile(cfg.ICSPath())
					So(string(after), ShouldEqual, string(before))
					So(s.detailHits.Load(), ShouldEqual, detailHits)

					st, _ := health.Load(cfg.HealthFile)
					So(st.Message, ShouldEqual, "No new events detected (1 upcoming events)")
					So(st.EventCount, ShouldEqual, 1)
				})
			})

			Convey("When the gate is off and the run repeats", func() {
				cfg.SkipIfNoNewEvents = false
				detailHits := s.detailHits.Load()
				res := runner.Run(context.Background())

				Convey("Then details come from the cache", func() {
					So(res.ShortCircuit, ShouldBeFalse)
					So(res.EventCount, ShouldEqual, 2)
					So(s.detailHits.Load(), ShouldEqual, detailHits)
				})
			})
		})

		Convey("When a detail page fails", func() {
			s.brokenID.Store("future-talk")
			res := runner.Run(context.Background())

			Convey("Then the event is written with list data and the run is partial", func() {
				So(res.ExitCode(), ShouldEqual, 0)
				So(res.DetailErrors, ShouldEqual, 1)
				So(res.Status, ShouldEqual, health.StatusPartial)
				data, _ := os.ReadFile(cfg.ICSPath())
				So(string(data), ShouldContainSubstring, "DESCRIPTION:short")
			})
		})

		Convey("When the list page is down", func() {
			s.listStatus.Store(http.StatusBadGateway)
			res := runner.Run(context.Background())

			Convey("Then the run fails with an error health record and no output", func() {
				So(res.ExitCode(), ShouldEqual, 1)
				So(int(s.listHits.Load()), ShouldEqual, 2)
				st, err := health.Load(cfg.HealthFile)
				So(err, ShouldBeNil)
				So(st.Status, ShouldEqual, "error")
				So(st.Message, ShouldEqual, "Failed to fetch events from website")
				So(st.Error, ShouldNotBeNil)
				_, err = os.Stat(cfg.ICSPath())
				So(os.IsNotExist(err), ShouldBeTrue)
			})
		})

		Convey("When the site lists no valid events", func() {
			s.events.Store(`[{"title":"no date"}]`)
			res := runner.Run(context.Background())

			Convey("Then the run fails", func() {
				So(res.ExitCode(), ShouldEqual, 1)
				So(res.Err, ShouldEqual, pipeline.ErrNoEvents)
				st, _ := health.Load(cfg.HealthFile)
				So(st.Message, ShouldEqual, "No events found on website")
			})
		})

		Convey("When the page has no data tag", func() {
			s.events.Store(`[]`)
			cfg.Extraction.JSONPath = []string{"props", "nothing"}
			_, runner2, _ := newRunnerWithConfig(cfg)
			res := runner2.Run(context.Background())

			Convey("Then a parse failure is recorded", func() {
				So(res.ExitCode(), ShouldEqual, 1)
				So(res.Message, ShouldEqual, "Failed to parse events from website")
			})
		})
	})
}

func newRunnerWithConfig(cfg *config.Config) (*config.Config, *pipeline.Runner, error) {
	f := fetch.New(fetch.WithRetries(1), fetch.WithTimeout(2*time.Second))
	ex, err := extract.New(cfg, f, f)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pipeline.New(cfg, ex, nil), nil
}

type crashingExtractor struct{}

func (crashingExtractor) Name() string { return "crash" }

func (crashingExtractor) List(context.Context) ([]model.Record, error) {
	var m map[string]string
	m["boom"] = "x"
	return nil, nil
}

func (crashingExtractor) HasDetail() bool { return false }

func (crashingExtractor) Detail(context.Context, string) (model.Record, error) { return nil, nil }

func TestRunCrash(t *testing.T) {
	Convey("Given an extractor that panics", t, func() {
		dir := t.TempDir()
		cfg := config.DefaultConfig()
		cfg.OutputDir = dir
		cfg.MetricsFile = filepath.Join(dir, "calscrape.prom")
		cfg.Normalize()
		runner := pipeline.New(cfg, crashingExtractor{}, metrics.NewManager())

		Convey("When a run is started", func() {
			var res pipeline.Result
			So(func() { res = runner.Run(context.Background()) }, ShouldNotPanic)

			Convey("Then the run fails and health records the crash", func() {
				So(res.ExitCode(), ShouldEqual, 1)
				So(errors.Is(res.Err, pipeline.ErrCrashed), ShouldBeTrue)

				st, err := health.Load(cfg.HealthFile)
				So(err, ShouldBeNil)
				So(st.Status, ShouldEqual, health.StatusError)
				So(st.Message, ShouldEqual, "Run crashed unexpectedly")
				So(st.Error, ShouldNotBeNil)

				prom, err := os.ReadFile(cfg.MetricsFile)
				So(err, ShouldBeNil)
				So(string(prom), ShouldContainSubstring, `calscrape_runs_total{status="error"} 1`)
			})
		})
	})
}
