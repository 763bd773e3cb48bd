// Package ics writes RFC 5545 calendars: escaping, line folding, VALARM
// triggers and the VCALENDAR/VEVENT document itself.
package ics

import (
	"strings"
	"unicode/utf8"
)

// CRLF terminates every content line.
const CRLF = "\r\n"

// DefaultLineLength is the RFC 5545 content line limit in octets.
const DefaultLineLength = 75

var textEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r\n", `\n`,
	"\n", `\n`,
	"\r", `\n`,
	",", `\,`,
	";", `\;`,
)

// Escape escapes a TEXT value: backslash, newline, comma and semicolon.
func Escape(s string) string {
	return textEscaper.Replace(s)
}

// Fold splits a content line so that no physical line exceeds limit
// octets. Continuation lines start with a single space, which counts
// toward the limit. Multi-byte UTF-8 sequences are never split.
func Fold(line string, limit int) string {
	if limit < 2 {
		limit = DefaultLineLength
	}
	if len(line) <= limit {
		return line
	}

	var b strings.Builder
	b.Grow(len(line) + len(line)/limit*3)

	first := true
	for len(line) > 0 {
		room := limit
		if !first {
			room = limit - 1
			b.WriteString(CRLF)
			b.WriteByte(' ')
		}
		n := cut(line, room)
		b.WriteString(line[:n])
		line = line[n:]
		first = false
	}
	return b.String()
}

// cut returns the longest prefix length of s that is at most max octets
// and ends on a rune boundary. At least one rune is always taken.
func cut(s string, max int) int {
	if len(s) <= max {
		return len(s)
	}
	n := max
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	if n == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return n
}

// Unfold reverses Fold.
func Unfold(s string) string {
	return strings.ReplaceAll(s, CRLF+" ", "")
}

// Property renders NAME:escaped-value folded at limit.
func Property(name, value string, limit int) string {
	return Fold(name+":"+Escape(value), limit)
}
