package state

import (
	"testing"
	"time"
)

func TestStoreCapacityAndRecent(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Add(Transition{TileID: "weather", Index: i, AtMillis: uint64(i)})
	}
	s.Add(Transition{TileID: "calendar", Index: 9})

	got := s.Recent("weather", 0)
	if len(got) != 3 {
		t.Fatalf("kept %d transitions, want 3", len(got))
	}
	for i, tr := range got {
		if tr.Index != i+2 {
			t.Errorf("transition %d has index %d, want %d", i, tr.Index, i+2)
		}
	}

	if got := s.Recent("weather", 1); len(got) != 1 || got[0].Index != 4 {
		t.Fatalf("Recent(limit 1) = %+v, want the newest", got)
	}
	if got := s.Recent("calendar", 10); len(got) != 1 {
		t.Fatalf("calendar history = %+v", got)
	}
}

func TestStorePruneAndForget(t *testing.T) {
	s := NewStore(0)
	old := time.Now().Add(-2 * time.Hour)
	s.Add(Transition{TileID: "a", Index: 1, RecordedAt: old})
	s.Add(Transition{TileID: "a", Index: 2})
	s.Add(Transition{TileID: "b", Index: 1, RecordedAt: old})

	s.Prune(time.Now().Add(-time.Hour))

	if got := s.Recent("a", 0); len(got) != 1 || got[0].Index != 2 {
		t.Fatalf("after prune a = %+v", got)
	}
	if got := s.Recent("b", 0); len(got) != 0 {
		t.Fatalf("after prune b = %+v", got)
	}

	s.Forget("a")
	if got := s.Recent("a", 0); len(got) != 0 {
		t.Fatalf("after forget a = %+v", got)
	}
}
