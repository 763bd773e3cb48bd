package extract

import (
	"fmt"
	"regexp"
	"strings"

	"calscrape/internal/model"
)

// TextParser reads events from plain text, one logical event per block
// that starts with a line matching the date pattern. The title pattern's
// first group gives the title; a clock time on the same line sets the
// start time of day.
type TextParser struct {
	date  *regexp.Regexp
	title *regexp.Regexp
}

// NewTextParser compiles the date and title patterns.
func NewTextParser(datePattern, titlePattern string) (*TextParser, error) {
	d, err := regexp.Compile(datePattern)
	if err != nil {
		return nil, fmt.Errorf("text_date_pattern: %w", err)
	}
	t, err := regexp.Compile(titlePattern)
	if err != nil {
		return nil, fmt.Errorf("text_title_pattern: %w", err)
	}
	if t.NumSubexp() < 1 {
		return nil, fmt.Errorf("text_title_pattern must have a capture group")
	}
	return &TextParser{date: d, title: t}, nil
}

func (p *TextParser) ParseList(payload []byte) ([]model.Record, error) {
	events := make([]model.Record, 0)
	current := model.Record{}

	flush := func() {
		if current.Title() != "" {
			events = append(events, current)
		}
		current = model.Record{}
	}

	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if p.date.MatchString(line) {
			flush()
			if start, ok := parseDateTimeText(line, p.date); ok {
				current[model.FieldStartAt] = start
			}
		}

		if m := p.title.FindStringSubmatch(line); m != nil {
			if title := strings.TrimSpace(m[1]); title != "" {
				current[model.FieldTitle] = title
			}
		}
	}
	flush()

	return events, nil
}

// ParseDetail has no generic structure to read in plain text.
func (p *TextParser) ParseDetail(_ []byte) (model.Record, error) {
	return model.Record{}, nil
}
