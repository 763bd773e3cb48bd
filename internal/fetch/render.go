package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	appLog "calscrape/internal/log"
)

// DefaultRenderTimeout bounds one headless render.
const DefaultRenderTimeout = 45 * time.Second

// Source returns the raw payload for a URL. Both *Fetcher and *Renderer
// satisfy it so list pages can be fetched either way.
type Source interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Renderer loads pages in headless Chromium via chromedp and returns the
// DOM after scripts ran. It is used for list pages whose events are
// injected client-side.
type Renderer struct {
	userAgent string
	timeout   time.Duration
	// WaitSelector, if set, must be visible before the DOM is captured.
	WaitSelector string
}

// NewRenderer creates a Renderer.
func NewRenderer(userAgent string, timeout time.Duration) *Renderer {
	if timeout <= 0 {
		timeout = DefaultRenderTimeout
	}
	return &Renderer{userAgent: userAgent, timeout: timeout}
}

// Get renders url and returns the outer HTML of the document. Failures are
// reported as *FetchError so callers treat them like network failures.
func (r *Renderer) Get(parentCtx context.Context, url string) ([]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.UserAgent(r.userAgent))
	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx, opts...)
	defer allocCancel()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	// Apply timeout to the entire render sequence.
	ctx, timeoutCancel := context.WithTimeout(ctx, r.timeout)
	defer timeoutCancel()

	wait := chromedp.WaitReady("body", chromedp.ByQuery)
	if r.WaitSelector != "" {
		wait = chromedp.WaitVisible(r.WaitSelector, chromedp.ByQuery)
	}

	var html string
	tasks := chromedp.Tasks{
		chromedp.Navigate(url),
		wait,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, &FetchError{URL: url, Attempts: 1, Err: fmt.Errorf("render: chromedp run failed: %w", err)}
	}

	appLog.Info("rendered page", "url", redactURL(url), "bytes", len(html))
	return []byte(html), nil
}
