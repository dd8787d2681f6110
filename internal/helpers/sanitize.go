package helpers

import (
	"html"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

// StrictHTMLPolicy returns a singleton bluemonday policy that strips every HTML
// element and attribute.
func StrictHTMLPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// SanitizeHTMLStrict removes every HTML tag from s and trims surrounding
// whitespace.
func SanitizeHTMLStrict(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(StrictHTMLPolicy().Sanitize(s))
}

// PlainText prepares model-provided text for storage and display: markup is
// stripped, entities are decoded back to the characters they stand for, runs
// of whitespace collapse to a single space and the result is cut to at most
// max runes (max <= 0 disables the limit). The result is plain text, not
// HTML, so callers rendering it into markup must escape it themselves.
func PlainText(s string, max int) string {
	s = html.UnescapeString(SanitizeHTMLStrict(s))
	if s == "" {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")
	if max > 0 && utf8.RuneCountInString(s) > max {
		runes := []rune(s)
		s = strings.TrimSpace(string(runes[:max]))
	}
	return s
}
