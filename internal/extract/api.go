package extract

import (
	"context"
	"net/url"

	"github.com/tidwall/gjson"

	"calscrape/internal/fetch"
	appLog "calscrape/internal/log"
	"calscrape/internal/model"
)

// API reads events from a REST endpoint returning JSON.
//
// ResponsePath leads to either the events list or an object with an
// "events" list. The detail endpoint is a template containing {id}.
type API struct {
	fetcher        *fetch.Fetcher
	endpoint       string
	detailEndpoint string
	params         map[string]string
	responsePath   []string
}

// NewAPI creates an API extractor. headers are sent with every request.
func NewAPI(f *fetch.Fetcher, endpoint, detailEndpoint string, headers, params map[string]string, responsePath []string) *API {
	return &API{
		fetcher:        f.WithExtraHeaders(headers),
		endpoint:       endpoint,
		detailEndpoint: detailEndpoint,
		params:         params,
		responsePath:   responsePath,
	}
}

func (a *API) Name() string { return "api" }

func (a *API) HasDetail() bool { return a.detailEndpoint != "" }

func (a *API) List(ctx context.Context) ([]model.Record, error) {
	body, err := a.fetcher.Get(ctx, withParams(a.endpoint, a.params))
	if err != nil {
		return nil, err
	}
	records, err := parseAPIList(body, a.responsePath)
	if err != nil {
		return nil, err
	}
	appLog.Info("extracted events", "method", "api", "count", len(records))
	return records, nil
}

func (a *API) Detail(ctx context.Context, id string) (model.Record, error) {
	if a.detailEndpoint == "" {
		return model.Record{}, nil
	}
	body, err := a.fetcher.Get(ctx, ExpandTemplate(a.detailEndpoint, "", map[string]string{"id": url.PathEscape(id)}))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, parseErr("api", "detail for %q is not valid JSON", id)
	}
	node := gjson.ParseBytes(body)
	if m, ok := node.Value().(map[string]any); ok {
		return model.Record(m), nil
	}
	return model.Record{}, nil
}

func parseAPIList(body []byte, path []string) ([]model.Record, error) {
	if !gjson.ValidBytes(body) {
		return nil, parseErr("api", "response is not valid JSON")
	}
	node := gjson.GetBytes(body, gjsonPath(path))
	if !node.Exists() {
		return nil, parseErr("api", "path %v: %w", path, ErrNoEvents)
	}
	switch {
	case node.IsArray():
		return recordsOf(node.Array()), nil
	case node.IsObject():
		return recordsOf(node.Get("events").Array()), nil
	default:
		return nil, parseErr("api", "events at %v is %s, not a list or object", path, node.Type)
	}
}

func withParams(endpoint string, params map[string]string) string {
	if len(params) == 0 {
		return endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
