// Package state remembers the upcoming event keys of the last run and
// decides whether the current run has anything new.
package state

import (
	"errors"
	"io/fs"
	"sort"
	"time"

	"calscrape/internal/config"
	"calscrape/internal/fsutil"
	appLog "calscrape/internal/log"
)

// RunState is the persisted form: {"slugs": [...], "updated": "..."}.
type RunState struct {
	Slugs   []string `json:"slugs"`
	Updated string   `json:"updated"`
}

// Load returns the keys stored at path. A missing, unreadable or corrupt
// file yields an empty set.
func Load(path string) map[string]struct{} {
	set := make(map[string]struct{})
	if path == "" {
		return set
	}
	var st RunState
	if err := fsutil.ReadJSON(path, &st); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			appLog.Warn("state load failed, treating as empty", "path", path, "err", err)
		}
		return set
	}
	for _, s := range st.Slugs {
		set[s] = struct{}{}
	}
	return set
}

// Save replaces the state file with keys, sorted, and the current time.
func Save(path string, keys []string, now time.Time) error {
	uniq := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, dup := uniq[k]; dup {
			continue
		}
		uniq[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)

	st := RunState{Slugs: out, Updated: now.Local().Format("2006-01-02T15:04:05.000000")}
	if err := fsutil.WriteJSON(path, st); err != nil {
		return err
	}
	appLog.Info("saved state", "upcoming", len(out))
	return nil
}

// HasNewEvents reports whether current holds a key that previous lacks.
func HasNewEvents(current, previous map[string]struct{}) bool {
	for k := range current {
		if _, ok := previous[k]; !ok {
			return true
		}
	}
	return false
}

// Changed applies the change policy. PolicyAdded only looks for new keys;
// PolicyChanged also counts keys that disappeared.
func Changed(policy string, current, previous map[string]struct{}) bool {
	if HasNewEvents(current, previous) {
		return true
	}
	if policy == config.PolicyChanged {
		return HasNewEvents(previous, current)
	}
	return false
}

// SetOf builds a key set.
func SetOf(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
