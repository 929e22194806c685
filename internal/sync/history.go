package sync

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipsync/clipsync/pkg/types"
)

// history keeps a bounded in-memory record of sync activity. Entries hold
// only metadata, never clipboard content, and nothing is persisted.
type history struct {
	mu      sync.Mutex
	max     int
	entries []types.HistoryEntry
}

func newHistory(max int) *history {
	return &history{max: max}
}

func (h *history) Add(action string, contentType types.ContentType, device string, size int) types.HistoryEntry {
	entry := types.HistoryEntry{
		ID:          uuid.NewString(),
		Action:      action,
		Timestamp:   time.Now(),
		ContentType: contentType,
		Device:      device,
		Size:        size,
	}

	h.mu.Lock()
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
	h.mu.Unlock()

	return entry
}

// List returns the most recent entries, newest last. limit <= 0 returns
// everything retained.
func (h *history) List(limit int) []types.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.HistoryEntry, n)
	copy(out, h.entries[len(h.entries)-n:])
	return out
}

func (h *history) Clear() {
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
}
