// Package vocab holds the vocabulary item model shared by the executor and storage.
package vocab

import (
	"regexp"
	"strings"
)

// Item is a word the quiz service can ask about. Items are service-defined
// and immutable once observed; storage upserts them on first sight.
type Item struct {
	ID           int64    `json:"id"`
	Word         string   `json:"word"`
	ShownWord    string   `json:"shown_word"`
	UsageExample string   `json:"usage_example,omitempty"`
	Translations []string `json:"translations"`
}

// Exposure is how often a profile has been presented an item.
type Exposure struct {
	Count    int   `json:"count"`
	LastSeen int64 `json:"last_seen"` // unix millis, 0 when never seen
}

var (
	parenthesized = regexp.MustCompile(`\([^)]*\)`)
	spaces        = regexp.MustCompile(`\s+`)
)

// SplitTranslations normalizes the raw translation text shown by the quiz
// service: parenthesized notes are dropped, whitespace is collapsed and the
// result is split on ',', ';' and '/'. Empty and duplicate entries are removed
// while the original order is kept.
func SplitTranslations(raw string) []string {
	s := parenthesized.ReplaceAllString(raw, "")
	s = spaces.ReplaceAllString(s, " ")
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '/'
	})
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
