// internal/state/cursor.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CursorFile persists the last-seen stream cursor so the consumer can
// resume where it left off after a restart.
type CursorFile struct {
	root string
	mu   sync.Mutex
}

type cursorRecord struct {
	TimeUS int64 `json:"time_us"`
}

// NewCursorFile creates a cursor store rooted at the given data directory.
func NewCursorFile(root string) *CursorFile {
	return &CursorFile{root: root}
}

func (c *CursorFile) path() string {
	return filepath.Join(c.root, "cursor.json")
}

// Load returns the persisted cursor, or 0 when none has been saved.
func (c *CursorFile) Load(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	var rec cursorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, fmt.Errorf("unmarshal cursor: %w", err)
	}
	return rec.TimeUS, nil
}

// Save persists the cursor atomically.
func (c *CursorFile) Save(_ context.Context, timeUS int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.Marshal(cursorRecord{TimeUS: timeUS})
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	tmp := c.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp cursor: %w", err)
	}
	if err := os.Rename(tmp, c.path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp cursor: %w", err)
	}
	return nil
}
