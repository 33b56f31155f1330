package threads

import (
	"strings"
	"unicode/utf8"
)

// Title limits.
const (
	DefaultTitle   = "New conversation"
	MaxAutoTitle   = 50
	MaxCustomTitle = 100
)

// AutoTitle derives a thread title from the first user message: line
// breaks become spaces, runs of whitespace collapse, and anything over
// MaxAutoTitle runes is cut with "...".
func AutoTitle(message string) string {
	s := strings.Join(strings.Fields(message), " ")
	if s == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(s) <= MaxAutoTitle {
		return s
	}
	r := []rune(s)
	return strings.TrimRight(string(r[:MaxAutoTitle]), " ") + "..."
}

// cleanTitle normalizes an explicit rename.
func cleanTitle(title string) (string, bool) {
	s := strings.Join(strings.Fields(title), " ")
	if s == "" {
		return "", false
	}
	if utf8.RuneCountInString(s) > MaxCustomTitle {
		s = strings.TrimRight(string([]rune(s)[:MaxCustomTitle]), " ")
	}
	return s, true
}

func preview(content string, n int) string {
	s := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
