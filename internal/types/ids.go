// internal/types/ids.go
package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EventID is the AT-URI of a record, e.g.
// at://did:plc:abc123/app.bsky.feed.post/3kabc.
type EventID string

// ServiceID names an external service for rate limiting and retry
// accounting.
type ServiceID string

const (
	ServiceGemini  ServiceID = "gemini"
	ServiceBluesky ServiceID = "bluesky"
)

// OwnerID identifies the worker holding a processing lock.
type OwnerID string

func NewOwnerID() OwnerID {
	return OwnerID(uuid.New().String())
}

// NoticeID identifies a locally recorded notification.
type NoticeID string

func NewNoticeID() NoticeID {
	return NoticeID(uuid.New().String())
}

// MakeEventID builds the AT-URI for a record from its repo DID,
// collection, and record key.
func MakeEventID(did, collection, rkey string) EventID {
	return EventID(fmt.Sprintf("at://%s/%s/%s", did, collection, rkey))
}

// DID extracts the repo DID from an AT-URI, or "" if the id is not in
// at:// form.
func (id EventID) DID() string {
	rest, ok := strings.CutPrefix(string(id), "at://")
	if !ok {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}
