package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"calscrape/internal/config"
	"calscrape/internal/extract"
	"calscrape/internal/fetch"
	appLog "calscrape/internal/log"
	"calscrape/internal/metrics"
	"calscrape/internal/pipeline"
	"calscrape/internal/web"
)

var version = "0.1.0-dev"

// flagConfig holds CLI flag values that override the config file.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	if err := appLog.SetLevelString(conf.LogLevel); err != nil {
		appLog.Warn("unknown log level, keeping info", "level", conf.LogLevel)
	}
	if conf.LogFile != "" {
		if err := appLog.OpenFile(conf.LogFile); err != nil {
			appLog.Error("failed to open log file", err, "path", conf.LogFile)
			os.Exit(1)
		}
	}

	appLog.Info("calscrape starting", "version", version)
	appLog.Info("effective config",
		"events_url", fetch.RedactURL(conf.EventsURL),
		"method", conf.Extraction.Method,
		"output", conf.ICSPath(),
		"timezone", conf.Calendar.Timezone,
		"refresh", conf.RefreshCron,
		"listen", conf.Listen,
		"render_js", conf.HTTP.RenderJS,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewManager()
	runner, err := newRunner(conf, m)
	if err != nil {
		appLog.Error("failed to set up extractor", err, "method", conf.Extraction.Method)
		os.Exit(1)
	}

	if flags.once {
		res := runner.Run(ctx)
		stop()
		os.Exit(res.ExitCode())
	}

	if err := serve(ctx, conf, runner, m); err != nil {
		appLog.Error("calscrape stopped with error", err)
		os.Exit(1)
	}
	appLog.Info("calscrape exiting")
}

func newRunner(conf *config.Config, m *metrics.Manager) (*pipeline.Runner, error) {
	timeout := time.Duration(conf.HTTP.TimeoutSeconds) * time.Second
	fetcher := fetch.New(
		fetch.WithRetries(conf.HTTP.Retries),
		fetch.WithBackoff(time.Duration(conf.HTTP.RetryDelayMs)*time.Millisecond, conf.HTTP.RetryMultiplier),
		fetch.WithTimeout(timeout),
		fetch.WithUserAgent(conf.HTTP.UserAgent),
		fetch.WithObserver(m),
	)

	var list fetch.Source = fetcher
	if conf.HTTP.RenderJS {
		r := fetch.NewRenderer(conf.HTTP.UserAgent, 0)
		if conf.Extraction.Method == config.MethodHTML {
			r.WaitSelector = conf.Extraction.HTMLEventContainer
		}
		list = r
	}

	ex, err := extract.New(conf, list, fetcher)
	if err != nil {
		return nil, err
	}
	return pipeline.New(conf, ex, m), nil
}

// serve runs the pipeline on the refresh schedule and, when configured,
// the HTTP server, until ctx is cancelled.
func serve(ctx context.Context, conf *config.Config, runner *pipeline.Runner, m *metrics.Manager) error {
	loc, err := time.LoadLocation(conf.Calendar.Timezone)
	if err != nil {
		loc = time.Local
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(conf.RefreshCron, func() { runner.Run(ctx) }); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	if conf.Listen != "" {
		go func() {
			errCh <- web.StartServer(ctx, conf, m)
		}()
	}

	// First run immediately, then on schedule.
	runner.Run(ctx)
	c.Start()
	appLog.Info("scheduler started", "refresh", conf.RefreshCron)

	var serveErr error
	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case serveErr = <-errCh:
	}

	// Wait for an in-flight run to observe the cancellation.
	<-c.Stop().Done()
	if conf.Listen != "" && serveErr == nil {
		serveErr = <-errCh
	}
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}
	return serveErr
}

// cronLogger routes scheduler logs through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one scrape and exit with its status")

	flag.Parse()

	return cfg
}
