package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"calscrape/internal/config"

	. "github.com/smartystreets/goconvey/convey"
)

func TestDefaultConfig(t *testing.T) {
	Convey("Given the default config", t, func() {
		cfg := config.DefaultConfig()
		cfg.Normalize()

		Convey("Then it should have sensible defaults", func() {
			So(cfg.HTTP.Retries, ShouldEqual, 3)
			So(cfg.HTTP.RetryDelayMs, ShouldEqual, 1000)
			So(cfg.HTTP.RetryMultiplier, ShouldEqual, 2)
			So(cfg.HTTP.FetchDelayMs, ShouldEqual, 500)
			So(cfg.CacheExpiryDays, ShouldEqual, 7)
			So(cfg.Calendar.LineLength, ShouldEqual, 75)
			So(cfg.Extraction.Method, ShouldEqual, config.MethodJSON)
			So(cfg.ChangePolicy, ShouldEqual, config.PolicyAdded)
			So(cfg.SkipIfNoNewEvents, ShouldBeTrue)
			So(cfg.IncludePastEvents, ShouldBeTrue)
		})

		Convey("Then derived paths live under the output dir", func() {
			So(cfg.StateFile, ShouldEqual, filepath.Join("docs", ".last_upcoming.json"))
			So(cfg.HealthFile, ShouldEqual, filepath.Join("docs", ".health_status.json"))
			So(cfg.ICSPath(), ShouldEqual, filepath.Join("docs", "calendar.ics"))
		})

		Convey("Then it validates", func() {
			So(cfg.Validate(), ShouldBeNil)
		})
	})
}

func TestNormalizeAndValidate(t *testing.T) {
	Convey("Given a partially filled config", t, func() {
		cfg := &config.Config{
			EventsURL:   "https://example.org/events",
			OutputDir:   "public",
			ICSFilename: "feed.ics",
		}
		cfg.Normalize()

		Convey("Then zero values are filled in", func() {
			So(cfg.ICSFilename, ShouldEqual, "feed")
			So(cfg.StateFile, ShouldEqual, filepath.Join("public", ".last_upcoming.json"))
			So(cfg.HTTP.Retries, ShouldEqual, 3)
			So(cfg.Calendar.Timezone, ShouldEqual, "UTC")
			So(cfg.Validate(), ShouldBeNil)
		})

		Convey("When the extraction method is unknown", func() {
			cfg.Extraction.Method = "xml"

			Convey("Then validation fails with ErrInvalidConfig", func() {
				err := cfg.Validate()
				So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
			})
		})

		Convey("When the api method has no endpoint", func() {
			cfg.Extraction.Method = config.MethodAPI

			Convey("Then validation fails", func() {
				So(cfg.Validate(), ShouldNotBeNil)
			})
		})

		Convey("When the change policy is unknown", func() {
			cfg.ChangePolicy = "sometimes"

			Convey("Then validation fails", func() {
				So(cfg.Validate(), ShouldNotBeNil)
			})
		})

		Convey("When an alarm time is not HH:MM", func() {
			cfg.Notifications.Alarms = []config.AlarmConfig{{DaysBefore: 0, Time: "9am"}}

			Convey("Then validation fails", func() {
				So(errors.Is(cfg.Validate(), config.ErrInvalidConfig), ShouldBeTrue)
			})
		})

		Convey("When days_before is negative", func() {
			cfg.Notifications.Alarms = []config.AlarmConfig{{DaysBefore: -1}}

			Convey("Then validation fails", func() {
				So(cfg.Validate(), ShouldNotBeNil)
			})
		})

		Convey("When the timezone is unknown", func() {
			cfg.Calendar.Timezone = "Mars/Olympus_Mons"

			Convey("Then validation fails", func() {
				So(cfg.Validate(), ShouldNotBeNil)
			})
		})

		Convey("When the line length is too short for unfolded lines", func() {
			cfg.Calendar.LineLength = 3

			Convey("Then validation fails", func() {
				So(errors.Is(cfg.Validate(), config.ErrInvalidConfig), ShouldBeTrue)
			})

			Convey("Then the minimum itself is accepted", func() {
				cfg.Calendar.LineLength = config.MinLineLength
				So(cfg.Validate(), ShouldBeNil)
			})
		})

		Convey("When the refresh schedule does not parse", func() {
			cfg.RefreshCron = "every hour"

			Convey("Then validation fails", func() {
				So(cfg.Validate(), ShouldNotBeNil)
			})
		})
	})
}

func TestLoad(t *testing.T) {
	Convey("Given a config loader", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "calscrape.yaml")

		Convey("When the file does not exist", func() {
			cfg, err := config.Load(path)

			Convey("Then defaults are returned and written with 0600", func() {
				So(err, ShouldBeNil)
				So(cfg.EventsURL, ShouldEqual, "https://example.com/events")
				info, serr := os.Stat(path)
				So(serr, ShouldBeNil)
				So(info.Mode().Perm(), ShouldEqual, os.FileMode(0o600))
			})
		})

		Convey("When loading a YAML file", func() {
			yaml := `
events_url: "https://events.example.org/list"
output_dir: "site"
http:
  retries: 5
calendar:
  uid_domain: "events.example.org"
notifications:
  enabled: true
  alarms:
    - days_before: 1
      description: "Tomorrow"
extraction:
  method: "HTML"
`
			So(os.WriteFile(path, []byte(yaml), 0o600), ShouldBeNil)
			cfg, err := config.Load(path)

			Convey("Then file values override defaults", func() {
				So(err, ShouldBeNil)
				So(cfg.EventsURL, ShouldEqual, "https://events.example.org/list")
				So(cfg.HTTP.Retries, ShouldEqual, 5)
				So(cfg.HTTP.RetryDelayMs, ShouldEqual, 1000)
				So(cfg.Calendar.UIDDomain, ShouldEqual, "events.example.org")
				So(cfg.Notifications.Enabled, ShouldBeTrue)
				So(len(cfg.Notifications.Alarms), ShouldEqual, 1)
				So(cfg.Notifications.Alarms[0].DaysBefore, ShouldEqual, 1)
				So(cfg.Extraction.Method, ShouldEqual, config.MethodHTML)
				So(cfg.StateFile, ShouldEqual, filepath.Join("site", ".last_upcoming.json"))
			})
		})

		Convey("When environment variables are set", func() {
			So(os.WriteFile(path, []byte("events_url: \"https://a.example\"\n"), 0o600), ShouldBeNil)
			t.Setenv("CALSCRAPE_EVENTS_URL", "https://b.example")
			t.Setenv("CALSCRAPE_HTTP__RETRIES", "7")
			t.Setenv("CALSCRAPE_CACHE_EXPIRY_DAYS", "2")

			cfg, err := config.Load(path)

			Convey("Then env overrides the file", func() {
				So(err, ShouldBeNil)
				So(cfg.EventsURL, ShouldEqual, "https://b.example")
				So(cfg.HTTP.Retries, ShouldEqual, 7)
				So(cfg.CacheExpiryDays, ShouldEqual, 2)
			})
		})

		Convey("When the YAML is malformed", func() {
			So(os.WriteFile(path, []byte("events_url: [unterminated\n"), 0o600), ShouldBeNil)
			_, err := config.Load(path)

			Convey("Then ErrLoadConfig is returned", func() {
				So(errors.Is(err, config.ErrLoadConfig), ShouldBeTrue)
			})
		})

		Convey("When the path is empty", func() {
			_, err := config.Load("")

			Convey("Then an error is returned", func() {
				So(err, ShouldNotBeNil)
			})
		})
	})
}
