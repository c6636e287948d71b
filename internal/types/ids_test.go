// internal/types/ids_test.go
package types

import (
	"testing"
)

func TestNewOwnerID(t *testing.T) {
	id := NewOwnerID()
	if id == "" {
		t.Error("expected non-empty OwnerID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestMakeEventID(t *testing.T) {
	id := MakeEventID("did:plc:abc123", "app.bsky.feed.post", "3kxyz")
	expected := EventID("at://did:plc:abc123/app.bsky.feed.post/3kxyz")
	if id != expected {
		t.Errorf("expected %s, got %s", expected, id)
	}
	if got := id.DID(); got != "did:plc:abc123" {
		t.Errorf("expected did:plc:abc123, got %s", got)
	}
}

func TestEventIDDIDNonATURI(t *testing.T) {
	if got := EventID("not-a-uri").DID(); got != "" {
		t.Errorf("expected empty DID, got %s", got)
	}
}

func TestEventRoot(t *testing.T) {
	root := Event{ID: "at://did:plc:a/app.bsky.feed.post/1"}
	if root.Root() != root.ID {
		t.Errorf("root event should be its own root, got %s", root.Root())
	}

	child := Event{
		ID:       "at://did:plc:b/app.bsky.feed.post/2",
		ParentID: root.ID,
	}
	if child.Root() != root.ID {
		t.Errorf("expected parent as root, got %s", child.Root())
	}

	deep := Event{
		ID:       "at://did:plc:c/app.bsky.feed.post/3",
		ParentID: child.ID,
		RootID:   root.ID,
	}
	if deep.Root() != root.ID {
		t.Errorf("expected explicit root, got %s", deep.Root())
	}
}
