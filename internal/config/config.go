package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	yamlv3 "gopkg.in/yaml.v3"

	"calscrape/internal/fsutil"
)

// NOTE: This file provides the configuration model and YAML-based
// load/save behavior, including first-run config creation, 0600
// permissions and CALSCRAPE_* environment overrides.

// EnvPrefix is the prefix of environment overrides. Nested keys use a
// double underscore: CALSCRAPE_HTTP__RETRIES=5.
const EnvPrefix = "CALSCRAPE_"

// Sentinel error kinds for this package.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
)

// Extraction methods.
const (
	MethodJSON = "json"
	MethodHTML = "html"
	MethodText = "text"
	MethodAPI  = "api"
	MethodICS  = "ics"
)

// Change policies for the no-new-events short-circuit.
const (
	// PolicyAdded skips the refresh unless an upcoming identifier appeared.
	PolicyAdded = "added"
	// PolicyChanged also refreshes when an upcoming identifier disappeared.
	PolicyChanged = "changed"
)

// HTTPConfig controls the resilient fetcher.
type HTTPConfig struct {
	TimeoutSeconds  int     `yaml:"timeout_seconds" json:"timeout_seconds"`
	Retries         int     `yaml:"retries" json:"retries"`
	RetryDelayMs    int     `yaml:"retry_delay_ms" json:"retry_delay_ms"`
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	UserAgent       string  `yaml:"user_agent" json:"user_agent"`
	// FetchDelayMs is the polite pause between successive detail fetches.
	FetchDelayMs int `yaml:"fetch_delay_ms" json:"fetch_delay_ms"`
	// RenderJS fetches list pages through headless Chromium.
	RenderJS bool `yaml:"render_js" json:"render_js"`
}

// CalendarConfig describes the generated VCALENDAR.
type CalendarConfig struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	ProdID      string `yaml:"prodid" json:"prodid"`
	UIDDomain   string `yaml:"uid_domain" json:"uid_domain"`
	// Timezone is the IANA zone used for timezone-naive source times.
	Timezone   string `yaml:"timezone" json:"timezone"`
	LineLength int    `yaml:"line_length" json:"line_length"`
}

// AlarmConfig is a single VALARM rule.
type AlarmConfig struct {
	DaysBefore  int    `yaml:"days_before" json:"days_before"`
	Time        string `yaml:"time,omitempty" json:"time,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// NotificationConfig toggles VALARM generation.
type NotificationConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Time is the default HH:MM used by same-day alarms without their own time.
	Time   string        `yaml:"time" json:"time"`
	Alarms []AlarmConfig `yaml:"alarms" json:"alarms"`
}

// ExtractionConfig selects and configures the extractor variant.
type ExtractionConfig struct {
	Method string `yaml:"method" json:"method"`

	JSONScriptID   string   `yaml:"json_script_id" json:"json_script_id"`
	JSONPath       []string `yaml:"json_path" json:"json_path"`
	JSONDetailPath []string `yaml:"json_detail_path" json:"json_detail_path"`
	UpcomingKey    string   `yaml:"json_upcoming_key" json:"json_upcoming_key"`
	PastKey        string   `yaml:"json_past_key" json:"json_past_key"`

	HTMLEventContainer string `yaml:"html_event_container" json:"html_event_container"`
	HTMLTitle          string `yaml:"html_title_selector" json:"html_title_selector"`
	HTMLDate           string `yaml:"html_date_selector" json:"html_date_selector"`
	HTMLLocation       string `yaml:"html_location_selector" json:"html_location_selector"`
	HTMLDescription    string `yaml:"html_description_selector" json:"html_description_selector"`
	HTMLURL            string `yaml:"html_url_selector" json:"html_url_selector"`

	TextDatePattern  string `yaml:"text_date_pattern" json:"text_date_pattern"`
	TextTitlePattern string `yaml:"text_title_pattern" json:"text_title_pattern"`

	APIEndpoint       string            `yaml:"api_endpoint" json:"api_endpoint"`
	APIDetailEndpoint string            `yaml:"api_detail_endpoint" json:"api_detail_endpoint"`
	APIHeaders        map[string]string `yaml:"api_headers" json:"api_headers"`
	APIParams         map[string]string `yaml:"api_params" json:"api_params"`
	APIResponsePath   []string          `yaml:"api_response_path" json:"api_response_path"`

	// ICSHorizonDays bounds recurrence expansion for the ics method.
	ICSHorizonDays int `yaml:"ics_horizon_days" json:"ics_horizon_days"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration. It is passed
// explicitly to every component; there is no package-level instance.
type Config struct {
	EventsURL string `yaml:"events_url" json:"events_url"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
	// DetailURL is the per-event page template; {base} and {id} are replaced.
	DetailURL string `yaml:"detail_url" json:"detail_url"`
	// EventURL is the public link template; {base} and {slug} are replaced.
	EventURL string `yaml:"event_url" json:"event_url"`

	OutputDir   string `yaml:"output_dir" json:"output_dir"`
	ICSFilename string `yaml:"ics_filename" json:"ics_filename"`
	CacheFile   string `yaml:"cache_file" json:"cache_file"`
	StateFile   string `yaml:"state_file" json:"state_file"`
	HealthFile  string `yaml:"health_file" json:"health_file"`
	MetricsFile string `yaml:"metrics_file" json:"metrics_file"`

	LogLevel string `yaml:"log_level" json:"log_level"`
	LogFile  string `yaml:"log_file" json:"log_file"`

	HTTP HTTPConfig `yaml:"http" json:"http"`

	CacheExpiryDays int `yaml:"cache_expiry_days" json:"cache_expiry_days"`

	Calendar      CalendarConfig     `yaml:"calendar" json:"calendar"`
	Notifications NotificationConfig `yaml:"notifications" json:"notifications"`
	Extraction    ExtractionConfig   `yaml:"extraction" json:"extraction"`

	SkipIfNoNewEvents bool   `yaml:"skip_if_no_new_events" json:"skip_if_no_new_events"`
	ChangePolicy      string `yaml:"change_policy" json:"change_policy"`
	IncludePastEvents bool   `yaml:"include_past_events" json:"include_past_events"`
	// MaxEvents caps serialized events; 0 means unlimited.
	MaxEvents int `yaml:"max_events" json:"max_events"`

	// RefreshCron is a cron-style schedule used in daemon mode.
	RefreshCron string `yaml:"refresh" json:"refresh"`
	// Listen enables the HTTP server when non-empty.
	Listen    string           `yaml:"listen" json:"listen"`
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// MinLineLength is the shortest accepted calendar.line_length. Structural
// lines such as DTSTART are never folded and must fit.
const MinLineLength = 30

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		EventsURL:   "https://example.com/events",
		BaseURL:     "https://example.com",
		DetailURL:   "{base}/events/{id}",
		EventURL:    "{base}/events/{slug}",
		OutputDir:   "docs",
		ICSFilename: "calendar",
		CacheFile:   ".event_cache.json",
		LogLevel:    "info",
		HTTP: HTTPConfig{
			TimeoutSeconds:  60,
			Retries:         3,
			RetryDelayMs:    1000,
			RetryMultiplier: 2,
			UserAgent:       defaultUserAgent,
			FetchDelayMs:    500,
		},
		CacheExpiryDays: 7,
		Calendar: CalendarConfig{
			Name:        "Events",
			Description: "Upcoming events",
			ProdID:      "-//calscrape//Events Calendar//EN",
			UIDDomain:   "calscrape.local",
			Timezone:    "UTC",
			LineLength:  75,
		},
		Notifications: NotificationConfig{
			Enabled: false,
			Time:    "09:00",
			Alarms:  []AlarmConfig{},
		},
		Extraction: ExtractionConfig{
			Method:             MethodJSON,
			JSONScriptID:       "__NEXT_DATA__",
			JSONPath:           []string{"props", "pageProps", "events"},
			JSONDetailPath:     []string{"props", "pageProps", "event"},
			UpcomingKey:        "upcoming",
			PastKey:            "past",
			HTMLEventContainer: ".event",
			HTMLTitle:          "h2",
			HTMLDate:           ".date",
			HTMLLocation:       ".location",
			HTMLDescription:    ".description",
			HTMLURL:            "a",
			TextDatePattern:    `(\d{1,2})\s+([A-Za-z]+)\s+(\d{4})`,
			TextTitlePattern:   `^(.+?)\s*-\s*`,
			ICSHorizonDays:     180,
		},
		SkipIfNoNewEvents: true,
		ChangePolicy:      PolicyAdded,
		IncludePastEvents: true,
		RefreshCron:       "0 * * * *",
	}
	// StateFile and HealthFile stay empty so that Normalize derives them
	// from whatever OutputDir ends up being.
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.OutputDir == "" {
		c.OutputDir = "docs"
	}
	if c.ICSFilename == "" {
		c.ICSFilename = "calendar"
	}
	c.ICSFilename = strings.TrimSuffix(c.ICSFilename, ".ics")
	if c.CacheFile == "" {
		c.CacheFile = ".event_cache.json"
	}
	if c.StateFile == "" {
		c.StateFile = filepath.Join(c.OutputDir, ".last_upcoming.json")
	}
	if c.HealthFile == "" {
		c.HealthFile = filepath.Join(c.OutputDir, ".health_status.json")
	}
	if c.DetailURL == "" {
		c.DetailURL = "{base}/events/{id}"
	}
	if c.EventURL == "" {
		c.EventURL = "{base}/events/{slug}"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.HTTP.TimeoutSeconds <= 0 {
		c.HTTP.TimeoutSeconds = 60
	}
	if c.HTTP.Retries <= 0 {
		c.HTTP.Retries = 3
	}
	if c.HTTP.RetryDelayMs < 0 {
		c.HTTP.RetryDelayMs = 1000
	}
	if c.HTTP.RetryMultiplier < 1 {
		c.HTTP.RetryMultiplier = 2
	}
	if c.HTTP.UserAgent == "" {
		c.HTTP.UserAgent = defaultUserAgent
	}
	if c.HTTP.FetchDelayMs < 0 {
		c.HTTP.FetchDelayMs = 0
	}

	if c.CacheExpiryDays <= 0 {
		c.CacheExpiryDays = 7
	}

	if c.Calendar.Timezone == "" {
		c.Calendar.Timezone = "UTC"
	}
	if c.Calendar.LineLength <= 1 {
		c.Calendar.LineLength = 75
	}
	if c.Calendar.ProdID == "" {
		c.Calendar.ProdID = "-//calscrape//Events Calendar//EN"
	}
	if c.Calendar.UIDDomain == "" {
		c.Calendar.UIDDomain = "calscrape.local"
	}

	if c.Notifications.Time == "" {
		c.Notifications.Time = "09:00"
	}
	if c.Notifications.Alarms == nil {
		c.Notifications.Alarms = []AlarmConfig{}
	}

	c.Extraction.Method = strings.ToLower(strings.TrimSpace(c.Extraction.Method))
	if c.Extraction.Method == "" {
		c.Extraction.Method = MethodJSON
	}
	if c.Extraction.ICSHorizonDays <= 0 {
		c.Extraction.ICSHorizonDays = 180
	}

	if c.ChangePolicy == "" {
		c.ChangePolicy = PolicyAdded
	}
	if c.MaxEvents < 0 {
		c.MaxEvents = 0
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "0 * * * *"
	}
}

// Validate reports settings that Normalize cannot repair.
func (c *Config) Validate() error {
	switch c.Extraction.Method {
	case MethodJSON, MethodHTML, MethodText, MethodAPI, MethodICS:
	default:
		return fmt.Errorf("%w: unknown extraction method %q", ErrInvalidConfig, c.Extraction.Method)
	}
	switch c.ChangePolicy {
	case PolicyAdded, PolicyChanged:
	default:
		return fmt.Errorf("%w: unknown change_policy %q", ErrInvalidConfig, c.ChangePolicy)
	}
	if _, err := time.Parse("15:04", c.Notifications.Time); err != nil {
		return fmt.Errorf("%w: notifications.time %q is not HH:MM", ErrInvalidConfig, c.Notifications.Time)
	}
	for i, a := range c.Notifications.Alarms {
		if a.DaysBefore < 0 {
			return fmt.Errorf("%w: notifications.alarms[%d].days_before is negative", ErrInvalidConfig, i)
		}
		if a.Time == "" {
			continue
		}
		if _, err := time.Parse("15:04", a.Time); err != nil {
			return fmt.Errorf("%w: notifications.alarms[%d].time %q is not HH:MM", ErrInvalidConfig, i, a.Time)
		}
	}
	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		return fmt.Errorf("%w: calendar.timezone: %v", ErrInvalidConfig, err)
	}
	if c.Calendar.LineLength < MinLineLength {
		return fmt.Errorf("%w: calendar.line_length %d is below %d", ErrInvalidConfig, c.Calendar.LineLength, MinLineLength)
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("%w: refresh %q: %v", ErrInvalidConfig, c.RefreshCron, err)
	}
	if c.Extraction.Method == MethodAPI {
		if c.Extraction.APIEndpoint == "" {
			return fmt.Errorf("%w: api_endpoint is required for the api method", ErrInvalidConfig)
		}
	} else if c.EventsURL == "" {
		return fmt.Errorf("%w: events_url is empty", ErrInvalidConfig)
	}
	return nil
}

// ICSPath is the output calendar file.
func (c *Config) ICSPath() string {
	return filepath.Join(c.OutputDir, c.ICSFilename+".ics")
}

// Load loads configuration from the given YAML path, then applies
// CALSCRAPE_* environment overrides.
//
// Behavior:
//   - If the file does not exist:
//   - write a default config with 0600 perms
//   - continue with defaults
//   - If the file exists:
//   - read YAML over the defaults
//   - In both cases, env overrides are applied, then Normalize and Validate.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: config path is empty", ErrLoadConfig)
	}

	base := DefaultConfig()
	k := koanf.New(".")

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
		}
		// First run: create default config file.
		if err := Save(path, DefaultConfig()); err != nil {
			return nil, fmt.Errorf("%w: write default: %v", ErrLoadConfig, err)
		}
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}

	// CALSCRAPE_HTTP__RETRIES -> http.retries
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return err
	}
	return fsutil.WriteFile(path, data, 0o600)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
