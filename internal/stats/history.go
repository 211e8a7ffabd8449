package stats

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rickgao/productstats/internal/model"
)

// EvictionPolicy selects which entry is dropped when a history is over capacity.
type EvictionPolicy int

const (
	// EvictOldest drops the oldest entry.
	EvictOldest EvictionPolicy = iota
	// EvictKeepFirst keeps the first entry ever recorded and drops the second-oldest.
	EvictKeepFirst
)

func (p EvictionPolicy) String() string {
	switch p {
	case EvictOldest:
		return "oldest"
	case EvictKeepFirst:
		return "keep_first"
	default:
		return fmt.Sprintf("EvictionPolicy(%d)", int(p))
	}
}

// ParseEvictionPolicy parses "oldest" or "keep_first". Empty means EvictOldest.
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "oldest", "fifo":
		return EvictOldest, nil
	case "keep_first", "keep-first", "anchor":
		return EvictKeepFirst, nil
	default:
		return EvictOldest, fmt.Errorf("unknown eviction policy %q", s)
	}
}

// history is one instrument's snapshots in insertion order.
type history struct {
	id string

	mu      sync.RWMutex
	entries []model.Snapshot
}

func newHistory(id string) *history {
	return &history{id: id}
}

func (h *history) add(s model.Snapshot, capacity int, policy EvictionPolicy) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, s)
	for len(h.entries) > capacity {
		if policy == EvictKeepFirst && len(h.entries) > 1 {
			h.entries = slices.Delete(h.entries, 1, 2)
			continue
		}
		h.entries = slices.Delete(h.entries, 0, 1)
	}
}

// last returns the entry with the latest timestamp; ties go to the later insert.
func (h *history) last() model.Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var best model.Snapshot
	for i, s := range h.entries {
		if i == 0 || !s.Timestamp.Before(best.Timestamp) {
			best = s
		}
	}
	return best
}

// all returns a copy ordered by timestamp descending, newest insert first on ties.
func (h *history) all() []model.Snapshot {
	h.mu.RLock()
	out := make([]model.Snapshot, len(h.entries))
	for i, s := range h.entries {
		out[len(out)-1-i] = s
	}
	h.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b model.Snapshot) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return out
}

func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
