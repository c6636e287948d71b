// internal/bsky/split.go
package bsky

import (
	"strings"
	"unicode/utf8"
)

// DefaultPostLength is the network's post size limit in characters.
const DefaultPostLength = 300

var sentenceEnders = []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}

// SplitPost breaks text into posts of at most limit characters,
// preferring sentence boundaries and falling back to word boundaries.
// Words longer than the limit are hard-cut, always on a rune boundary.
// Returns nil for empty text.
func SplitPost(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultPostLength
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var parts []string
	for utf8.RuneCountInString(text) > limit {
		cut := splitIndex(text, limit)
		parts = append(parts, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// splitIndex finds the best cut as a byte offset: the last sentence
// end within the first limit characters, then the last space, then a
// hard cut at the character limit.
func splitIndex(text string, limit int) int {
	windowEnd := len(text)
	n := 0
	for i := range text {
		if n == limit {
			windowEnd = i
			break
		}
		n++
	}
	window := text[:windowEnd]

	best := -1
	for _, end := range sentenceEnders {
		if idx := strings.LastIndex(window, end); idx >= 0 && idx+len(end) > best {
			best = idx + len(end)
		}
	}
	if best > 0 {
		return best
	}

	if idx := strings.LastIndex(window, " "); idx > 0 {
		return idx
	}
	return windowEnd
}
