package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"calscrape/internal/model"
)

// JSONParser reads events from JSON embedded in a <script id=...> tag,
// e.g. Next.js __NEXT_DATA__.
//
// Path leads to either a list of events or an object holding the
// UpcomingKey and PastKey lists. Events are de-duplicated by slug, id or
// title with upcoming entries winning.
type JSONParser struct {
	ScriptID    string
	Path        []string
	DetailPath  []string
	UpcomingKey string
	PastKey     string
}

func (p *JSONParser) ParseList(payload []byte) ([]model.Record, error) {
	raw, err := p.script(payload)
	if err != nil {
		return nil, err
	}

	node := gjson.GetBytes(raw, gjsonPath(p.Path))
	if !node.Exists() {
		return nil, &ParseError{Method: "json", Err: fmt.Errorf("path %v: %w", p.Path, ErrNoEvents)}
	}

	var items []gjson.Result
	switch {
	case node.IsArray():
		items = node.Array()
	case node.IsObject():
		items = append(items, node.Get(gjsonPath([]string{p.UpcomingKey})).Array()...)
		items = append(items, node.Get(gjsonPath([]string{p.PastKey})).Array()...)
	default:
		return nil, parseErr("json", "events at %v is %s, not a list or object", p.Path, node.Type)
	}

	return dedupe(recordsOf(items)), nil
}

func (p *JSONParser) ParseDetail(payload []byte) (model.Record, error) {
	raw, err := p.script(payload)
	if err != nil {
		// Detail pages without the data tag simply have nothing to add.
		return model.Record{}, nil
	}
	node := gjson.GetBytes(raw, gjsonPath(p.DetailPath))
	if !node.IsObject() {
		return model.Record{}, nil
	}
	if rec, ok := node.Value().(map[string]any); ok {
		return model.Record(rec), nil
	}
	return model.Record{}, nil
}

// script returns the validated JSON body of the configured script tag.
func (p *JSONParser) script(payload []byte) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, &ParseError{Method: "json", Err: err}
	}
	sel := doc.Find(fmt.Sprintf("script[id=%q]", p.ScriptID)).First()
	if sel.Length() == 0 {
		return nil, parseErr("json", "script tag with id %q not found", p.ScriptID)
	}
	raw := []byte(strings.TrimSpace(sel.Text()))
	if !gjson.ValidBytes(raw) {
		return nil, parseErr("json", "script %q does not hold valid JSON", p.ScriptID)
	}
	return raw, nil
}

// recordsOf keeps the object elements of items.
func recordsOf(items []gjson.Result) []model.Record {
	out := make([]model.Record, 0, len(items))
	for _, it := range items {
		if !it.IsObject() {
			continue
		}
		if m, ok := it.Value().(map[string]any); ok {
			out = append(out, model.Record(m))
		}
	}
	return out
}

// gjsonPath joins keys into a gjson path, escaping path syntax inside keys.
// An empty key list selects the whole document.
func gjsonPath(keys []string) string {
	if len(keys) == 0 {
		return "@this"
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		var b strings.Builder
		for _, r := range k {
			switch r {
			case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%', '(', ')', '[', ']', '{', '}', ',', ':', '"':
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
		parts[i] = b.String()
	}
	return strings.Join(parts, ".")
}
