package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"

	"calscrape/internal/config"
	"calscrape/internal/health"
	appLog "calscrape/internal/log"
	"calscrape/internal/metrics"
)

// Server publishes the generated calendar, the last health record and
// the run metrics.
type Server struct {
	cfg     *config.Config
	metrics *metrics.Manager
	mux     *http.ServeMux

	// /api/events re-parses the calendar only when the file changed.
	eventsMu    sync.RWMutex
	eventsCache *eventsCache
}

type eventsCache struct {
	modTime time.Time
	size    int64
	events  []eventDTO
}

type eventDTO struct {
	UID      string `json:"uid"`
	Summary  string `json:"summary"`
	Start    string `json:"start"`
	End      string `json:"end,omitempty"`
	Location string `json:"location,omitempty"`
	URL      string `json:"url,omitempty"`
}

// NewServer constructs a new Server. m may be nil, in which case /metrics
// is not registered.
func NewServer(cfg *config.Config, m *metrics.Manager) *Server {
	s := &Server{
		cfg:     cfg,
		metrics: m,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calscrape", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func StartServer(ctx context.Context, cfg *config.Config, m *metrics.Manager) error {
	s := NewServer(cfg, m)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/calendar.ics", s.handleCalendar)
	if name := "/" + s.cfg.ICSFilename + ".ics"; name != "/calendar.ics" {
		s.mux.HandleFunc(name, s.handleCalendar)
	}
	s.mux.HandleFunc("/api/events", s.handleEvents)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
}

// handleHealth returns the last health record. A missing record or a
// failed run answers 503 so load balancers and probes can act on it.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st, err := health.Load(s.cfg.HealthFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusServiceUnavailable, "no run recorded yet")
			return
		}
		appLog.Error("failed to read health file", err, "path", s.cfg.HealthFile)
		writeError(w, http.StatusInternalServerError, "health record unreadable")
		return
	}
	status := http.StatusOK
	if !st.OK() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, st)
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	path := s.cfg.ICSPath()
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "calendar not generated yet")
			return
		}
		appLog.Error("failed to open calendar", err, "path", path)
		writeError(w, http.StatusInternalServerError, "calendar unreadable")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "calendar unreadable")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	http.ServeContent(w, r, s.cfg.ICSFilename+".ics", info.ModTime(), f)
}

// handleEvents lists the events of the published calendar as JSON.
func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	path := s.cfg.ICSPath()
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(w, http.StatusOK, []eventDTO{})
			return
		}
		writeError(w, http.StatusInternalServerError, "calendar unreadable")
		return
	}

	s.eventsMu.RLock()
	c := s.eventsCache
	s.eventsMu.RUnlock()
	if c != nil && c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
		writeJSON(w, http.StatusOK, c.events)
		return
	}

	events, err := loadEvents(path)
	if err != nil {
		appLog.Error("failed to parse published calendar", err, "path", path)
		writeError(w, http.StatusInternalServerError, "calendar unreadable")
		return
	}

	s.eventsMu.Lock()
	s.eventsCache = &eventsCache{modTime: info.ModTime(), size: info.Size(), events: events}
	s.eventsMu.Unlock()

	writeJSON(w, http.StatusOK, events)
}

func loadEvents(path string) ([]eventDTO, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cal, err := ical.ParseCalendar(f)
	if err != nil {
		return nil, err
	}

	out := make([]eventDTO, 0, len(cal.Events()))
	for _, ev := range cal.Events() {
		dto := eventDTO{
			UID:      ev.Id(),
			Summary:  propValue(ev, ical.ComponentPropertySummary),
			Location: propValue(ev, ical.ComponentPropertyLocation),
			URL:      propValue(ev, ical.ComponentPropertyUrl),
		}
		if start, err := ev.GetStartAt(); err == nil {
			dto.Start = start.Format(time.RFC3339)
		}
		if end, err := ev.GetEndAt(); err == nil {
			dto.End = end.Format(time.RFC3339)
		}
		out = append(out, dto)
	}
	return out, nil
}

func propValue(ev *ical.VEvent, p ical.ComponentProperty) string {
	if prop := ev.GetProperty(p); prop != nil {
		return prop.Value
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
