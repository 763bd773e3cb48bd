package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	mu       sync.RWMutex
	logger   *slog.Logger
	levelVar slog.LevelVar
	fileOut  io.WriteCloser
)

func init() {
	levelVar.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &levelVar}))
}

// SetOutput redirects log output. Records at WARN and above are additionally
// copied to errOut when it is non-nil (the log_file setting).
func SetOutput(w io.Writer, errOut io.Writer) {
	h := slog.Handler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &levelVar}))
	if errOut != nil {
		h = &teeHandler{
			primary: h,
			errors:  slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: slog.LevelWarn}),
		}
	}
	mu.Lock()
	logger = slog.New(h)
	mu.Unlock()
}

// OpenFile appends WARN+ records to path in addition to stderr.
// An empty path restores stderr-only output.
func OpenFile(path string) error {
	mu.Lock()
	if fileOut != nil {
		_ = fileOut.Close()
		fileOut = nil
	}
	mu.Unlock()

	if path == "" {
		SetOutput(os.Stderr, nil)
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	SetOutput(os.Stderr, f)
	mu.Lock()
	fileOut = f
	mu.Unlock()
	return nil
}

func SetLevel(l Level) {
	switch l {
	case LevelDebug:
		levelVar.Set(slog.LevelDebug)
	case LevelWarn:
		levelVar.Set(slog.LevelWarn)
	case LevelError:
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// SetLevelString accepts debug, info, warn/warning, error (case-insensitive).
func SetLevelString(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		SetLevel(LevelDebug)
	case "", "info":
		SetLevel(LevelInfo)
	case "warn", "warning":
		SetLevel(LevelWarn)
	case "error":
		SetLevel(LevelError)
	default:
		return fmt.Errorf("unknown log level: %s", level)
	}
	return nil
}

func Debug(msg string, kv ...any) {
	logWithLevel(slog.LevelDebug, msg, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(slog.LevelInfo, msg, kv...)
}

func Warn(msg string, kv ...any) {
	logWithLevel(slog.LevelWarn, msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logWithLevel(slog.LevelError, msg, extended...)
}

func logWithLevel(level slog.Level, msg string, kv ...any) {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, msg, pairs(kv)...)
}

// pairs drops a trailing key without a value and any non-string key.
func pairs(kv []any) []any {
	out := make([]any, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, slog.Any(key, kv[i+1]))
	}
	return out
}

type teeHandler struct {
	primary slog.Handler
	errors  slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return t.primary.Enabled(ctx, l) || t.errors.Enabled(ctx, l)
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if t.primary.Enabled(ctx, r.Level) {
		err = t.primary.Handle(ctx, r)
	}
	if t.errors.Enabled(ctx, r.Level) {
		if e := t.errors.Handle(ctx, r.Clone()); e != nil && err == nil {
			err = e
		}
	}
	return err
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{primary: t.primary.WithAttrs(attrs), errors: t.errors.WithAttrs(attrs)}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{primary: t.primary.WithGroup(name), errors: t.errors.WithGroup(name)}
}
