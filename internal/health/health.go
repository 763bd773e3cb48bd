// Package health records the outcome of the latest run for monitoring.
package health

import (
	"time"

	"calscrape/internal/fsutil"
	appLog "calscrape/internal/log"
)

// Run outcomes.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Status is the health file body. It is overwritten on every run.
type Status struct {
	Status     string  `json:"status"`
	LastUpdate string  `json:"last_update"`
	EventCount int     `json:"event_count"`
	Message    string  `json:"message"`
	Error      *string `json:"error"`
}

// OK reports whether the run produced a usable calendar.
func (s Status) OK() bool { return s.Status == StatusSuccess || s.Status == StatusPartial }

// Recorder writes Status to a file.
type Recorder struct {
	path string
	now  func() time.Time
}

func NewRecorder(path string) *Recorder {
	return &Recorder{path: path, now: time.Now}
}

// Record writes a new status. A nil err leaves the error field null.
// Write failures are logged and returned but never change the run outcome.
func (r *Recorder) Record(status string, count int, message string, err error) (Status, error) {
	st := Status{
		Status:     status,
		LastUpdate: r.now().UTC().Format(time.RFC3339Nano),
		EventCount: count,
		Message:    message,
	}
	if err != nil {
		msg := err.Error()
		st.Error = &msg
	}
	if werr := fsutil.WriteJSON(r.path, st); werr != nil {
		appLog.Warn("health status save failed", "path", r.path, "err", werr)
		return st, werr
	}
	appLog.Info("saved health status", "status", status, "event_count", count)
	return st, nil
}

// Load reads the last recorded status.
func Load(path string) (Status, error) {
	var st Status
	err := fsutil.ReadJSON(path, &st)
	return st, err
}
