package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"calscrape/internal/config"
	"calscrape/internal/health"
	"calscrape/internal/metrics"
)

const sampleCalendar = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:spring-meetup@example.com\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART:20260316T173000Z\r\n" +
	"DTEND:20260316T183000Z\r\n" +
	"SUMMARY:Spring Meetup\r\n" +
	"URL:https://example.com/events/spring-meetup\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func testServer(dir string, m *metrics.Manager) (*config.Config, http.Handler) {
	cfg := config.DefaultConfig()
	cfg.OutputDir = dir
	cfg.HealthFile = filepath.Join(dir, "health.json")
	cfg.Normalize()
	return cfg, NewServer(cfg, m).Handler()
}

func get(h http.Handler, path string, auth ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer(t *testing.T) {
	Convey("Given a server before any run", t, func() {
		dir := t.TempDir()
		m := metrics.NewManager()
		cfg, h := testServer(dir, m)

		Convey("Then the calendar is not found and health is unavailable", func() {
			So(get(h, "/calendar.ics").Code, ShouldEqual, http.StatusNotFound)
			So(get(h, "/health").Code, ShouldEqual, http.StatusServiceUnavailable)

			rec := get(h, "/api/events")
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(strings.TrimSpace(rec.Body.String()), ShouldEqual, "[]")
		})

		Convey("When a run has published a calendar", func() {
			So(os.WriteFile(cfg.ICSPath(), []byte(sampleCalendar), 0o644), ShouldBeNil)
			_, err := health.NewRecorder(cfg.HealthFile).Record(health.StatusSuccess, 1, "Successfully processed 1 events (1 upcoming)", nil)
			So(err, ShouldBeNil)

			Convey("Then the calendar is served as text/calendar", func() {
				rec := get(h, "/calendar.ics")
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(rec.Header().Get("Content-Type"), ShouldStartWith, "text/calendar")
				So(rec.Body.String(), ShouldEqual, sampleCalendar)
			})

			Convey("Then health reports the last run", func() {
				rec := get(h, "/health")
				So(rec.Code, ShouldEqual, http.StatusOK)
				var st health.Status
				So(json.Unmarshal(rec.Body.Bytes(), &st), ShouldBeNil)
				So(st.Status, ShouldEqual, health.StatusSuccess)
				So(st.EventCount, ShouldEqual, 1)
			})

			Convey("Then the events API lists the calendar", func() {
				var events []eventDTO
				rec := get(h, "/api/events")
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(json.Unmarshal(rec.Body.Bytes(), &events), ShouldBeNil)
				So(len(events), ShouldEqual, 1)
				So(events[0].UID, ShouldEqual, "spring-meetup@example.com")
				So(events[0].Summary, ShouldEqual, "Spring Meetup")
				So(events[0].Start, ShouldEqual, "2026-03-16T17:30:00Z")
			})
		})

		Convey("When the last run failed", func() {
			_, err := health.NewRecorder(cfg.HealthFile).Record(health.StatusError, 0, "Failed to fetch events from website", os.ErrDeadlineExceeded)
			So(err, ShouldBeNil)

			Convey("Then health answers 503 with the record", func() {
				rec := get(h, "/health")
				So(rec.Code, ShouldEqual, http.StatusServiceUnavailable)
				So(rec.Body.String(), ShouldContainSubstring, `"status":"error"`)
			})
		})

		Convey("Then metrics are exposed", func() {
			m.RunFinished(health.StatusSuccess, true, 0, time.Now())
			rec := get(h, "/metrics")
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(rec.Body.String(), ShouldContainSubstring, "calscrape_runs_total")
		})
	})

	Convey("Given basic auth credentials", t, func() {
		dir := t.TempDir()
		cfg := config.DefaultConfig()
		cfg.OutputDir = dir
		cfg.HealthFile = filepath.Join(dir, "health.json")
		cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "s3cret"}
		cfg.Normalize()
		h := NewServer(cfg, nil).Handler()
		So(os.WriteFile(cfg.ICSPath(), []byte(sampleCalendar), 0o644), ShouldBeNil)

		Convey("Then the calendar requires them", func() {
			rec := get(h, "/calendar.ics")
			So(rec.Code, ShouldEqual, http.StatusUnauthorized)
			So(rec.Header().Get("WWW-Authenticate"), ShouldContainSubstring, "Basic")

			So(get(h, "/calendar.ics", "admin", "wrong").Code, ShouldEqual, http.StatusUnauthorized)
			So(get(h, "/calendar.ics", "admin", "s3cret").Code, ShouldEqual, http.StatusOK)
		})

		Convey("Then health stays open", func() {
			So(get(h, "/health").Code, ShouldEqual, http.StatusServiceUnavailable)
		})

		Convey("Then /metrics is absent without a manager", func() {
			So(get(h, "/metrics", "admin", "s3cret").Code, ShouldEqual, http.StatusNotFound)
		})
	})
}
