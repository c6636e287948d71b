// internal/types/interfaces.go
package types

import "context"

// Publisher posts content back to the network. Implementations handle
// authentication and request formatting.
type Publisher interface {
	// Publish creates a post. A nil parent makes a standalone post;
	// otherwise the post replies to parent within the thread rooted at
	// root. The attachment, when present, is embedded in the post.
	Publish(ctx context.Context, parent, root *ReplyRef, text string, att *Attachment) (*ReplyRef, error)

	// SendDirectMessage delivers a private message to the recipient.
	SendDirectMessage(ctx context.Context, recipientDID, text string) error
}

// Notifier is the operational alert side channel. Implementations must
// never block or propagate their own failures to callers.
type Notifier interface {
	Notify(severity Severity, message string)
}

// ReplyStore records which reply posts were produced for a source
// event, guaranteeing at most one reply set per source across
// redelivery and restarts.
type ReplyStore interface {
	Record(ctx context.Context, source EventID, replies []EventID) error
	Has(ctx context.Context, source EventID) (bool, error)
	Replies(ctx context.Context, source EventID) ([]EventID, error)
}

// CursorStore persists the last-seen firehose cursor so a restart can
// resume without replaying acknowledged events.
type CursorStore interface {
	Load(ctx context.Context) (int64, error)
	Save(ctx context.Context, timeUS int64) error
}
