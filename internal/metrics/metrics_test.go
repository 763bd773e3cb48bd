package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestManager(t *testing.T) {
	Convey("Given a manager on a private registry", t, func() {
		registry := prometheus.NewRegistry()
		m := NewManager(WithRegistry(registry), WithNamespace("test"))

		Convey("When fetch attempts are observed", func() {
			m.FetchAttempt(nil)
			m.FetchAttempt(errors.New("boom"))
			m.FetchAttempt(errors.New("boom"))

			Convey("Then they are counted by result", func() {
				So(testutil.ToFloat64(m.fetchAttempts.WithLabelValues("ok")), ShouldEqual, 1)
				So(testutil.ToFloat64(m.fetchAttempts.WithLabelValues("failed")), ShouldEqual, 2)
			})
		})

		Convey("When a run finishes", func() {
			at := time.Unix(1_800_000_000, 0)
			m.RunFinished("partial", true, 2*time.Second, at)
			m.SetEvents("written", 7)
			m.AddCache(3, 1)
			m.AddInvalid(2)
			m.AddSkipped(0)

			Convey("Then the run gauges and counters reflect it", func() {
				So(testutil.ToFloat64(m.runs.WithLabelValues("partial")), ShouldEqual, 1)
				So(testutil.ToFloat64(m.lastSuccessUnix), ShouldEqual, 1_800_000_000)
				So(testutil.ToFloat64(m.events.WithLabelValues("written")), ShouldEqual, 7)
				So(testutil.ToFloat64(m.cacheHits), ShouldEqual, 3)
				So(testutil.ToFloat64(m.invalidEvents), ShouldEqual, 2)
				So(testutil.ToFloat64(m.skippedEvents), ShouldEqual, 0)
			})

			Convey("Then the textfile holds the exposition format", func() {
				path := filepath.Join(t.TempDir(), "calscrape.prom")
				So(m.WriteTextfile(path), ShouldBeNil)
				data, err := os.ReadFile(path)
				So(err, ShouldBeNil)
				So(string(data), ShouldContainSubstring, `test_runs_total{status="partial"} 1`)
			})

			Convey("Then the handler serves the same metrics", func() {
				rr := httptest.NewRecorder()
				m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
				body, _ := io.ReadAll(rr.Body)
				So(rr.Code, ShouldEqual, 200)
				So(strings.Contains(string(body), "test_cache_hits_total 3"), ShouldBeTrue)
			})
		})

		Convey("When the manager is nil", func() {
			var nilM *Manager
			So(func() {
				nilM.FetchAttempt(nil)
				nilM.RunFinished("error", false, time.Second, time.Now())
				nilM.SetEvents("written", 1)
				_ = nilM.WriteTextfile("x")
			}, ShouldNotPanic)
		})
	})
}
