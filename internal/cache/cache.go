// Package cache keeps fetched event details on disk so that unchanged
// events are not re-fetched on every run.
//
// The file is a flat JSON object mapping identifier to the detail fields
// plus a "cached_at" local timestamp. Entries older than the expiry are
// dropped on load.
package cache

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"calscrape/internal/fetch"
	"calscrape/internal/fsutil"
	appLog "calscrape/internal/log"
	"calscrape/internal/model"
)

const (
	cachedAtField  = "cached_at"
	cachedAtLayout = "2006-01-02T15:04:05.000000"
)

// FetchFunc fetches the detail record for id.
type FetchFunc func(ctx context.Context, id string) (model.Record, error)

// Cache is the in-memory view of the detail cache file. It is used by a
// single run and is not safe for concurrent use.
type Cache struct {
	path    string
	entries map[string]model.Record
	now     func() time.Time

	hits   int
	misses int
}

// Load reads the cache at path and drops entries whose cached_at is older
// than now minus expiryDays, missing or unreadable. A missing or corrupt
// file yields an empty cache.
func Load(path string, expiryDays int, now time.Time) *Cache {
	c := &Cache{path: path, entries: make(map[string]model.Record), now: time.Now}
	if path == "" {
		return c
	}

	var raw map[string]map[string]any
	if err := fsutil.ReadJSON(path, &raw); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			appLog.Warn("cache load failed, starting empty", "path", path, "err", err)
		}
		return c
	}

	cutoff := now.Add(-time.Duration(expiryDays) * 24 * time.Hour)
	expired := 0
	for id, entry := range raw {
		rec := model.Record(entry)
		at, ok := model.ParseStamp(rec.String(cachedAtField))
		if !ok || !at.In(time.Local).After(cutoff) {
			expired++
			continue
		}
		c.entries[id] = rec
	}
	appLog.Info("loaded event cache", "entries", len(c.entries), "expired", expired)
	return c
}

// Len returns the number of entries.
func (c *Cache) Len() int { return len(c.entries) }

// Stats returns the hit and miss counts of GetOrFetch.
func (c *Cache) Stats() (hits, misses int) { return c.hits, c.misses }

// Get returns the cached detail for id without the cached_at field.
func (c *Cache) Get(id string) (model.Record, bool) {
	entry, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	out := entry.Clone()
	delete(out, cachedAtField)
	return out, true
}

// Put stores detail under id stamped with the current time. Empty details
// are not stored.
func (c *Cache) Put(id string, detail model.Record) {
	if id == "" || len(detail) == 0 {
		return
	}
	entry := detail.Clone()
	entry[cachedAtField] = c.now().Local().Format(cachedAtLayout)
	c.entries[id] = entry
}

// GetOrFetch returns the cached detail for id or, on a miss, waits for the
// pacer, fetches it and stores a non-empty result. The pacer interval runs
// from the end of the fetch. Hits never touch the
// network or the pacer.
func (c *Cache) GetOrFetch(ctx context.Context, id string, pacer *fetch.Pacer, fn FetchFunc) (model.Record, error) {
	if d, ok := c.Get(id); ok {
		c.hits++
		appLog.Debug("using cached detail", "id", id)
		return d, nil
	}
	c.misses++

	if err := pacer.Wait(ctx); err != nil {
		return nil, err
	}
	detail, err := fn(ctx, id)
	pacer.Done()
	if err != nil {
		return nil, err
	}
	c.Put(id, detail)
	if len(detail) > 0 {
		appLog.Debug("fetched detail", "id", id)
	}
	return detail, nil
}

// Save writes every entry, cached_at included, back to disk atomically.
func (c *Cache) Save() error {
	if c.path == "" {
		return nil
	}
	out := make(map[string]model.Record, len(c.entries))
	for id, e := range c.entries {
		out[id] = e
	}
	if err := fsutil.WriteJSON(c.path, out); err != nil {
		return err
	}
	appLog.Info("saved event cache", "entries", len(out))
	return nil
}
