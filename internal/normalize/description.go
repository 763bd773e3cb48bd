package normalize

import (
	"bytes"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var descMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithUnsafe()),
)

var descMarkdownMu sync.Mutex

// Markdown inside raw HTML blocks is not rendered by goldmark.
var leftoverLink = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)

// CleanDescription reduces a markdown or HTML description to plain text:
// markdown links become their text, tags are dropped, entities decoded and
// whitespace collapsed to single spaces.
func CleanDescription(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	var rendered bytes.Buffer
	descMarkdownMu.Lock()
	err := descMarkdown.Convert([]byte(s), &rendered)
	descMarkdownMu.Unlock()
	if err != nil {
		rendered.Reset()
		rendered.WriteString(s)
	}

	doc, err := goquery.NewDocumentFromReader(&rendered)
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	doc.Find("script, style").Remove()
	// Keep words in adjacent block elements apart.
	doc.Find("p, div, li, br, h1, h2, h3, h4, h5, h6, tr, td, th").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml(" ")
	})
	text := leftoverLink.ReplaceAllString(doc.Text(), "$1")
	return strings.Join(strings.Fields(text), " ")
}

// DescriptionWithLink appends "Event details: <url>" to a cleaned
// description. Either part may be empty.
func DescriptionWithLink(desc, eventURL string) string {
	switch {
	case eventURL == "":
		return desc
	case desc == "":
		return "Event details: " + eventURL
	default:
		return desc + "\n\nEvent details: " + eventURL
	}
}
