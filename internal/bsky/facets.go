// internal/bsky/facets.go
package bsky

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
)

var (
	mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9][a-zA-Z0-9_.-]*\.[a-zA-Z]{2,})`)
	linkPattern    = regexp.MustCompile(`https?://[-a-zA-Z0-9@:%._+~#=]{1,256}\.[a-zA-Z0-9()]{1,6}\b[-a-zA-Z0-9()@:%_+.~#?&/=]*`)
)

type byteSlice struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

type facetFeature struct {
	Type string `json:"$type"`
	DID  string `json:"did,omitempty"`
	URI  string `json:"uri,omitempty"`
}

type facet struct {
	Index    byteSlice      `json:"index"`
	Features []facetFeature `json:"features"`
}

// facetsFor builds rich-text facets for the mentions and links in
// text. A handle that cannot be resolved is skipped rather than
// failing the post. Offsets are byte offsets, as the record format
// requires.
func (c *Client) facetsFor(ctx context.Context, text string) []facet {
	var facets []facet

	for _, m := range mentionPattern.FindAllStringSubmatchIndex(text, -1) {
		handle := text[m[2]:m[3]]
		did, err := c.resolveHandle(ctx, handle)
		if err != nil {
			slog.Warn("could not resolve mention handle", "handle", handle, "error", err)
			continue
		}
		facets = append(facets, facet{
			Index: byteSlice{ByteStart: m[0], ByteEnd: m[1]},
			Features: []facetFeature{{
				Type: "app.bsky.richtext.facet#mention",
				DID:  did,
			}},
		})
	}

	for _, m := range linkPattern.FindAllStringIndex(text, -1) {
		facets = append(facets, facet{
			Index: byteSlice{ByteStart: m[0], ByteEnd: m[1]},
			Features: []facetFeature{{
				Type: "app.bsky.richtext.facet#link",
				URI:  text[m[0]:m[1]],
			}},
		})
	}
	return facets
}

// resolveHandle maps a handle to its DID.
func (c *Client) resolveHandle(ctx context.Context, handle string) (string, error) {
	query := "handle=" + url.QueryEscape(handle)
	var result struct {
		DID string `json:"did"`
	}
	if err := c.xrpc(ctx, "com.atproto.identity.resolveHandle", query, "", nil, &result); err != nil {
		return "", err
	}
	return result.DID, nil
}
