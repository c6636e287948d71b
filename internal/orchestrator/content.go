// internal/orchestrator/content.go
package orchestrator

import "strings"

// MediaKind tags what a generated response asked for.
type MediaKind int

const (
	TextOnly MediaKind = iota
	WithImage
	WithVideo
)

const (
	imageMarker = "IMAGE_PROMPT:"
	videoMarker = "VIDEO_PROMPT:"
)

// Content is a generated response decoded exactly once: the text to
// publish plus an optional media request extracted from the marker
// line. The marker line itself never reaches the published text.
type Content struct {
	Kind        MediaKind
	Text        string
	MediaPrompt string
}

// DecodeContent splits a raw generated response into publishable text
// and a media request. Only the first marker found counts; markers must
// start a line. A marker with an empty prompt is treated as plain text.
func DecodeContent(raw string) Content {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		var kind MediaKind
		var marker string
		switch {
		case strings.HasPrefix(trimmed, imageMarker):
			kind, marker = WithImage, imageMarker
		case strings.HasPrefix(trimmed, videoMarker):
			kind, marker = WithVideo, videoMarker
		default:
			continue
		}

		prompt := strings.TrimSpace(strings.TrimPrefix(trimmed, marker))
		if prompt == "" {
			continue
		}
		rest := append([]string{}, lines[:i]...)
		rest = append(rest, lines[i+1:]...)
		return Content{
			Kind:        kind,
			Text:        strings.TrimSpace(strings.Join(rest, "\n")),
			MediaPrompt: prompt,
		}
	}
	return Content{Kind: TextOnly, Text: strings.TrimSpace(raw)}
}
