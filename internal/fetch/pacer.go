package fetch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer enforces a minimum idle gap between successive requests to the
// same upstream. The first Wait returns immediately. When the caller
// reports the end of a request with Done, the next Wait blocks until the
// interval has passed since that end; otherwise spacing is measured
// between Waits. Retries of a single fetch are not paced.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	limiter  *rate.Limiter
}

// NewPacer returns a Pacer with the given interval. A non-positive interval
// disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	if interval <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{interval: interval, limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next request may be issued or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	l := p.limiter
	p.mu.Unlock()
	return l.Wait(ctx)
}

// Done marks the end of a request. The next request may start no earlier
// than one interval from now.
func (p *Pacer) Done() {
	if p == nil || p.interval <= 0 {
		return
	}
	l := rate.NewLimiter(rate.Every(p.interval), 1)
	l.Allow()
	p.mu.Lock()
	p.limiter = l
	p.mu.Unlock()
}
