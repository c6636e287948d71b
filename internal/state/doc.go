// Package state provides filesystem-backed storage implementations.
package state

import "github.com/symmetricalboy/msinfo-bot/internal/types"

// Compile-time interface compliance checks.
var _ types.ReplyStore = (*ReplyRecordStore)(nil)
var _ types.CursorStore = (*CursorFile)(nil)
