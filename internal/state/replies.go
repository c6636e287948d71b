// internal/state/replies.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/symmetricalboy/msinfo-bot/internal/types"
)

// replyEntry is one recorded reply set.
type replyEntry struct {
	Source    types.EventID   `json:"source"`
	Replies   []types.EventID `json:"replies"`
	CreatedAt time.Time       `json:"created_at"`
}

// ReplyRecordStore is a JSON-file-backed record of which reply posts
// were produced for each source event. It survives restarts so a
// replayed event is never answered twice.
type ReplyRecordStore struct {
	root    string
	maxSize int
	mu      sync.Mutex
}

// NewReplyRecordStore creates a store rooted at the given data
// directory, keeping at most maxSize entries (oldest dropped first).
func NewReplyRecordStore(root string, maxSize int) *ReplyRecordStore {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &ReplyRecordStore{root: root, maxSize: maxSize}
}

func (s *ReplyRecordStore) path() string {
	return filepath.Join(s.root, "replies.json")
}

// load reads the entry list. Caller must hold the lock.
func (s *ReplyRecordStore) load() ([]replyEntry, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read reply records: %w", err)
	}
	var entries []replyEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal reply records: %w", err)
	}
	return entries, nil
}

// save writes the entry list atomically. Caller must hold the lock.
func (s *ReplyRecordStore) save(entries []replyEntry) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal reply records: %w", err)
	}
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp reply records: %w", err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp reply records: %w", err)
	}
	return nil
}

// Record stores the reply set for a source event. Recording the same
// source again overwrites the previous set.
func (s *ReplyRecordStore) Record(_ context.Context, source types.EventID, replies []types.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	filtered := entries[:0]
	for _, e := range entries {
		if e.Source != source {
			filtered = append(filtered, e)
		}
	}
	filtered = append(filtered, replyEntry{
		Source:    source,
		Replies:   replies,
		CreatedAt: time.Now(),
	})
	if len(filtered) > s.maxSize {
		filtered = filtered[len(filtered)-s.maxSize:]
	}
	return s.save(filtered)
}

// Has reports whether a reply set exists for the source event.
func (s *ReplyRecordStore) Has(_ context.Context, source types.EventID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Source == source {
			return true, nil
		}
	}
	return false, nil
}

// Replies returns the recorded reply set for the source event, or nil
// when none exists.
func (s *ReplyRecordStore) Replies(_ context.Context, source types.EventID) ([]types.EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Source == source {
			return e.Replies, nil
		}
	}
	return nil, nil
}
