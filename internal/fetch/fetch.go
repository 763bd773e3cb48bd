package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	appLog "calscrape/internal/log"
)

// Default fetcher parameters.
const (
	DefaultRetries    = 3
	DefaultDelay      = time.Second
	DefaultMultiplier = 2.0
	DefaultTimeout    = 60 * time.Second

	// maxBodyBytes bounds a single response body.
	maxBodyBytes = 32 << 20
)

// FetchError is returned once every attempt for a URL has failed. Err is
// the cause of the last attempt.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %d attempts failed: %v", redactURL(e.URL), e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "unexpected status: " + e.Status
}

// Observer is notified after every attempt; err is nil on success.
type Observer interface {
	FetchAttempt(err error)
}

// Fetcher performs HTTP GETs with bounded retries and exponential backoff.
//
// Every attempt carries the same User-Agent and is bounded by the client
// timeout. Between failed attempts the caller is blocked for D, D*M,
// D*M^2, ... which is deliberate backpressure against the upstream.
type Fetcher struct {
	client     *http.Client
	userAgent  string
	headers    map[string]string
	retries    int
	delay      time.Duration
	multiplier float64
	observer   Observer
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithRetries sets the total number of attempts.
func WithRetries(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.retries = n
		}
	}
}

// WithBackoff sets the base delay and multiplier.
func WithBackoff(delay time.Duration, multiplier float64) Option {
	return func(f *Fetcher) {
		if delay >= 0 {
			f.delay = delay
		}
		if multiplier >= 1 {
			f.multiplier = multiplier
		}
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.client.Timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithHeaders adds fixed headers to every request.
func WithHeaders(h map[string]string) Option {
	return func(f *Fetcher) {
		for k, v := range h {
			f.headers[k] = v
		}
	}
}

// WithHTTPClient replaces the underlying client. The configured timeout is
// kept unless the given client has its own.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c == nil {
			return
		}
		if c.Timeout == 0 {
			c.Timeout = f.client.Timeout
		}
		f.client = c
	}
}

// WithObserver registers an attempt observer (metrics).
func WithObserver(o Observer) Option {
	return func(f *Fetcher) {
		f.observer = o
	}
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:     &http.Client{Timeout: DefaultTimeout},
		userAgent:  "calscrape/1.0",
		headers:    map[string]string{},
		retries:    DefaultRetries,
		delay:      DefaultDelay,
		multiplier: DefaultMultiplier,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithExtraHeaders returns a copy of f that also sends h.
func (f *Fetcher) WithExtraHeaders(h map[string]string) *Fetcher {
	cp := *f
	cp.headers = make(map[string]string, len(f.headers)+len(h))
	for k, v := range f.headers {
		cp.headers[k] = v
	}
	for k, v := range h {
		cp.headers[k] = v
	}
	return &cp
}

// Get fetches url and returns the body. After all attempts fail it returns
// a *FetchError wrapping the last cause.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, &FetchError{URL: url, Err: errors.New("url is empty")}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.delay
	b.Multiplier = f.multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	b.Reset()

	var (
		body     []byte
		attempts int
	)
	op := func() error {
		attempts++
		data, err := f.attempt(ctx, url)
		if f.observer != nil {
			f.observer.FetchAttempt(err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		body = data
		return nil
	}
	notify := func(err error, wait time.Duration) {
		appLog.Warn("fetch attempt failed",
			"url", redactURL(url),
			"attempt", attempts,
			"retry_in", wait.String(),
			"error", err.Error(),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.retries-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, &FetchError{URL: url, Attempts: attempts, Err: err}
	}

	appLog.Debug("fetch success", "url", redactURL(url), "attempts", attempts, "bytes", len(body))
	return body, nil
}

func (f *Fetcher) attempt(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// redactURL hides sensitive parts of a URL for logging purposes.
//
//	https://example.com/path/to/private?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	// Find scheme separator.
	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "url://...(redacted)"
	}

	// Find next slash after host.
	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	if j == len(u) {
		return u
	}
	return u[:j] + redactedSuffix
}

// RedactURL is redactURL for other packages' log lines.
func RedactURL(u string) string { return redactURL(u) }
