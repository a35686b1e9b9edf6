package state

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the number of transitions kept per tile.
const DefaultCapacity = 256

// Transition records one decision a tile scheduler made about its active
// entry.
type Transition struct {
	TileID     string    `json:"tile_id"`
	Index      int       `json:"index"`
	AtMillis   uint64    `json:"at_millis"`
	Trigger    string    `json:"trigger"`
	Suppressed bool      `json:"suppressed,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store keeps recent transitions in memory for the history API.
type Store struct {
	mu       sync.RWMutex
	capacity int
	byTile   map[string][]Transition
}

// NewStore creates a transition store holding up to capacity entries per
// tile. Non-positive capacities use DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity, byTile: make(map[string][]Transition)}
}

// Add registers a transition, evicting the oldest once the tile is full.
func (s *Store) Add(tr Transition) {
	if tr.RecordedAt.IsZero() {
		tr.RecordedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.byTile[tr.TileID], tr)
	if over := len(list) - s.capacity; over > 0 {
		list = append(list[:0:0], list[over:]...)
	}
	s.byTile[tr.TileID] = list
}

// Recent returns up to limit of the newest transitions for tileID, oldest
// first. A non-positive limit returns everything kept.
func (s *Store) Recent(tileID string, limit int) []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.byTile[tileID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]Transition, len(list))
	copy(out, list)
	return out
}

// Forget drops all history for tileID.
func (s *Store) Forget(tileID string) {
	s.mu.Lock()
	delete(s.byTile, tileID)
	s.mu.Unlock()
}

// Prune removes transitions recorded before cutoff.
func (s *Store) Prune(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tileID, list := range s.byTile {
		filtered := list[:0]
		for _, tr := range list {
			if tr.RecordedAt.After(cutoff) {
				filtered = append(filtered, tr)
			}
		}
		if len(filtered) == 0 {
			delete(s.byTile, tileID)
			continue
		}
		s.byTile[tileID] = filtered
	}
}
