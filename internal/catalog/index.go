package catalog

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the catalog at a point in time.
// All lookup structures are built before the snapshot becomes visible.
type Snapshot struct {
	items     []Indexed
	byCode    map[string]int
	refreshed time.Time
}

// Items returns every active item in the snapshot, sorted by id for
// deterministic iteration order.
func (s *Snapshot) Items() []Indexed {
	return s.items
}

// ByCode returns the item with the given code (case-insensitive).
func (s *Snapshot) ByCode(code string) (Indexed, bool) {
	idx, ok := s.byCode[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return Indexed{}, false
	}
	return s.items[idx], true
}

// Len returns the number of items in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.items)
}

// RefreshedAt returns when the snapshot was built.
func (s *Snapshot) RefreshedAt() time.Time {
	return s.refreshed
}

// Index holds the current catalog snapshot. Replace swaps the snapshot
// atomically; Snapshot returns the current one without locking.
type Index struct {
	current atomic.Pointer[Snapshot]
}

// NewIndex creates an index with an empty snapshot, so callers can match
// (with zero confidence everywhere) before the first refresh lands.
func NewIndex() *Index {
	idx := &Index{}
	idx.current.Store(buildSnapshot(nil))
	return idx
}

// Replace builds a new snapshot from items and makes it current.
// Inactive items are dropped at build time.
func (i *Index) Replace(items []Item) {
	i.current.Store(buildSnapshot(items))
}

// Snapshot returns the current snapshot. The result is safe to use for the
// duration of a matching run even if a refresh lands concurrently.
func (i *Index) Snapshot() *Snapshot {
	return i.current.Load()
}

func buildSnapshot(items []Item) *Snapshot {
	indexed := make([]Indexed, 0, len(items))
	for _, item := range items {
		if item.Status == StatusInactive {
			continue
		}
		indexed = append(indexed, indexItem(item))
	}

	// Sort by id so matching ties break deterministically.
	sort.Slice(indexed, func(a, b int) bool {
		return indexed[a].ID.String() < indexed[b].ID.String()
	})

	byCode := make(map[string]int, len(indexed))
	for pos, it := range indexed {
		code := strings.ToLower(strings.TrimSpace(it.Code))
		if code == "" {
			continue
		}
		// First occurrence wins; duplicate codes in the source keep the
		// lowest item id.
		if _, exists := byCode[code]; !exists {
			byCode[code] = pos
		}
	}

	return &Snapshot{
		items:     indexed,
		byCode:    byCode,
		refreshed: time.Now(),
	}
}
