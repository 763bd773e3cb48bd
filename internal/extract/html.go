package extract

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"calscrape/internal/model"
)

// HTMLParser reads events from repeated containers selected with CSS
// selectors. The date text is kept verbatim in date_text and, when it
// parses, also stored as start_at.
type HTMLParser struct {
	BaseURL     string
	Container   string
	Title       string
	Date        string
	Location    string
	Description string
	URL         string
}

func (p *HTMLParser) ParseList(payload []byte) ([]model.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, &ParseError{Method: "html", Err: err}
	}

	events := make([]model.Record, 0)
	doc.Find(p.Container).Each(func(_ int, c *goquery.Selection) {
		ev := model.Record{}
		if v := textOf(c, p.Title); v != "" {
			ev[model.FieldTitle] = v
		}
		if v := textOf(c, p.Date); v != "" {
			ev[model.FieldDateText] = v
			if start, ok := parseDateTimeText(v, nil); ok {
				ev[model.FieldStartAt] = start
			}
		}
		if v := textOf(c, p.Location); v != "" {
			ev[model.FieldLocation] = v
		}
		if v := textOf(c, p.Description); v != "" {
			ev[model.FieldDescription] = v
		}
		if p.URL != "" {
			if href, ok := c.Find(p.URL).First().Attr("href"); ok && href != "" {
				ev[model.FieldURL] = absoluteURL(href, p.BaseURL)
			}
		}
		// Only add if we have at least a title.
		if ev.Title() != "" {
			events = append(events, ev)
		}
	})
	return events, nil
}

// ParseDetail picks up the description and location of a detail page using
// the same selectors as the list.
func (p *HTMLParser) ParseDetail(payload []byte) (model.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return model.Record{}, nil
	}
	ev := model.Record{}
	root := doc.Selection
	if v := textOf(root, p.Description); v != "" {
		ev[model.FieldDescription] = v
	}
	if v := textOf(root, p.Location); v != "" {
		ev[model.FieldLocation] = v
	}
	return ev, nil
}

func textOf(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(s.Find(selector).First().Text())
}

// absoluteURL resolves href against base.
func absoluteURL(href, base string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if base == "" {
		return href
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(href, "/")
}
