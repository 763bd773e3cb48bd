// Package extract turns fetched pages or API responses into raw event
// records. Each source format is one Extractor variant; the pipeline picks
// one at startup with New and never looks at payload formats itself.
package extract

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"calscrape/internal/config"
	"calscrape/internal/fetch"
	appLog "calscrape/internal/log"
	"calscrape/internal/model"
)

// ErrNoEvents is wrapped by ParseError when a payload is well-formed but
// the configured location holds no events container.
var ErrNoEvents = errors.New("no events container in payload")

// ParseError reports a malformed upstream payload.
type ParseError struct {
	Method string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Method, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErr(method string, format string, args ...any) error {
	return &ParseError{Method: method, Err: fmt.Errorf(format, args...)}
}

// Extractor supplies raw event records for the list feed and, on demand,
// a richer detail record per identifier.
type Extractor interface {
	// Name is the extraction method (json, html, text, api, ics).
	Name() string
	// List fetches and parses the event list.
	List(ctx context.Context) ([]model.Record, error)
	// HasDetail reports whether Detail performs a fetch at all.
	HasDetail() bool
	// Detail fetches and parses the detail record for id. An empty record
	// with a nil error means the source had nothing to add.
	Detail(ctx context.Context, id string) (model.Record, error)
}

// PageParser is the format-specific half of a page-based extractor.
type PageParser interface {
	ParseList(payload []byte) ([]model.Record, error)
	ParseDetail(payload []byte) (model.Record, error)
}

// New selects the extractor variant named by cfg.Extraction.Method.
//
// list is used for the list page (a *fetch.Renderer when render_js is on);
// detail is used for per-event pages and API calls.
func New(cfg *config.Config, list fetch.Source, detail *fetch.Fetcher) (Extractor, error) {
	ex := cfg.Extraction
	switch ex.Method {
	case config.MethodJSON:
		return newPage(cfg, list, detail, &JSONParser{
			ScriptID:    ex.JSONScriptID,
			Path:        ex.JSONPath,
			DetailPath:  ex.JSONDetailPath,
			UpcomingKey: ex.UpcomingKey,
			PastKey:     ex.PastKey,
		}), nil
	case config.MethodHTML:
		return newPage(cfg, list, detail, &HTMLParser{
			BaseURL:     cfg.BaseURL,
			Container:   ex.HTMLEventContainer,
			Title:       ex.HTMLTitle,
			Date:        ex.HTMLDate,
			Location:    ex.HTMLLocation,
			Description: ex.HTMLDescription,
			URL:         ex.HTMLURL,
		}), nil
	case config.MethodText:
		p, err := NewTextParser(ex.TextDatePattern, ex.TextTitlePattern)
		if err != nil {
			return nil, fmt.Errorf("extract: %w: %v", config.ErrInvalidConfig, err)
		}
		return newPage(cfg, list, detail, p), nil
	case config.MethodAPI:
		return NewAPI(detail, ex.APIEndpoint, ex.APIDetailEndpoint, ex.APIHeaders, ex.APIParams, ex.APIResponsePath), nil
	case config.MethodICS:
		return NewICS(list, cfg.EventsURL, cfg.Calendar.Timezone, ex.ICSHorizonDays), nil
	default:
		return nil, fmt.Errorf("extract: %w: unknown method %q", config.ErrInvalidConfig, ex.Method)
	}
}

// pageExtractor fetches a list page and per-event detail pages and hands
// the bodies to a PageParser.
type pageExtractor struct {
	name      string
	listURL   string
	detailURL string
	baseURL   string
	list      fetch.Source
	detail    fetch.Source
	parser    PageParser
}

func newPage(cfg *config.Config, list fetch.Source, detail *fetch.Fetcher, p PageParser) *pageExtractor {
	return &pageExtractor{
		name:      cfg.Extraction.Method,
		listURL:   cfg.EventsURL,
		detailURL: cfg.DetailURL,
		baseURL:   cfg.BaseURL,
		list:      list,
		detail:    detail,
		parser:    p,
	}
}

func (p *pageExtractor) Name() string { return p.name }

func (p *pageExtractor) HasDetail() bool { return p.detailURL != "" }

func (p *pageExtractor) List(ctx context.Context) ([]model.Record, error) {
	body, err := p.list.Get(ctx, p.listURL)
	if err != nil {
		return nil, err
	}
	records, err := p.parser.ParseList(body)
	if err != nil {
		return nil, err
	}
	appLog.Info("extracted events", "method", p.name, "count", len(records))
	return records, nil
}

func (p *pageExtractor) Detail(ctx context.Context, id string) (model.Record, error) {
	body, err := p.detail.Get(ctx, ExpandTemplate(p.detailURL, p.baseURL, map[string]string{"id": url.PathEscape(id)}))
	if err != nil {
		return nil, err
	}
	return p.parser.ParseDetail(body)
}

// ExpandTemplate replaces {base} and {key} placeholders. The base URL is
// inserted without a trailing slash.
func ExpandTemplate(tmpl, base string, vars map[string]string) string {
	out := strings.ReplaceAll(tmpl, "{base}", strings.TrimRight(base, "/"))
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// dedupe drops records whose slug/id/title was already seen, keeping the
// first occurrence.
func dedupe(records []model.Record) []model.Record {
	seen := make(map[string]struct{}, len(records))
	out := make([]model.Record, 0, len(records))
	for _, r := range records {
		key := r.GateKey()
		if key != "" {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, r)
	}
	return out
}
