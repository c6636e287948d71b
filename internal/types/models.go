// internal/types/models.go
package types

import "time"

// EventKind classifies an occurrence on the network.
type EventKind string

const (
	KindPost          EventKind = "post"
	KindMention       EventKind = "mention"
	KindReply         EventKind = "reply"
	KindDirectMessage EventKind = "direct_message"
)

// Event is one atomic occurrence on the network, as decoded from the
// firehose. Immutable once received.
type Event struct {
	ID        EventID   `json:"id"`  // AT-URI of the record
	CID       string    `json:"cid"` // content hash, needed for reply refs
	AuthorDID string    `json:"author_did"`
	ParentID  EventID   `json:"parent_id,omitempty"` // empty for thread roots
	RootID    EventID   `json:"root_id,omitempty"`   // empty when the event is itself a root
	Text      string    `json:"text"`
	Kind      EventKind `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	TimeUS    int64     `json:"time_us"` // firehose cursor position in microseconds
}

// Root returns the id of the thread root this event belongs to. An
// event without a parent is its own root.
func (e *Event) Root() EventID {
	if e.RootID != "" {
		return e.RootID
	}
	if e.ParentID != "" {
		return e.ParentID
	}
	return e.ID
}

// ReplyRef identifies a published post by URI and CID, the pair the
// network requires to anchor a reply.
type ReplyRef struct {
	URI EventID `json:"uri"`
	CID string  `json:"cid"`
}

// Attachment is generated media ready to be embedded in a post.
type Attachment struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
	AltText  string `json:"alt_text"`
}

// Severity grades notifications sent through the sink.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)
