package logbuffer

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBufferWrapsAtCapacity(t *testing.T) {
	b := New(3)
	for i, msg := range []string{"a", "b", "c", "d"} {
		b.Add(LogEntry{Message: msg, Timestamp: time.UnixMilli(int64(i))})
	}

	got := b.Query(QueryParams{})
	if len(got) != 3 || got[0].Message != "b" || got[2].Message != "d" {
		t.Fatalf("unexpected entries: %+v", got)
	}
	if s := b.Stats(); s.Count != 3 || s.Capacity != 3 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestQueryFilters(t *testing.T) {
	b := New(10)
	b.Add(LogEntry{Level: "info", Component: "tile_scheduler", TileID: "weather", Message: "entry activated", Timestamp: time.UnixMilli(1000)})
	b.Add(LogEntry{Level: "error", Component: "tile_scheduler", TileID: "steps", Message: "failed to arm wake-up", Timestamp: time.UnixMilli(2000)})
	b.Add(LogEntry{Level: "info", Component: "tiles", TileID: "weather", Message: "Timeline stored", Timestamp: time.UnixMilli(3000)})

	tests := []struct {
		name   string
		params QueryParams
		want   []string
	}{
		{"all", QueryParams{}, []string{"entry activated", "failed to arm wake-up", "Timeline stored"}},
		{"level", QueryParams{Level: "error"}, []string{"failed to arm wake-up"}},
		{"tile", QueryParams{TileID: "weather"}, []string{"entry activated", "Timeline stored"}},
		{"component", QueryParams{Component: "tiles"}, []string{"Timeline stored"}},
		{"search ignores case", QueryParams{Search: "timeline"}, []string{"Timeline stored"}},
		{"since", QueryParams{Since: time.UnixMilli(2000)}, []string{"failed to arm wake-up", "Timeline stored"}},
		{"limit keeps newest", QueryParams{Limit: 1}, []string{"Timeline stored"}},
		{"descending", QueryParams{Descending: true, Limit: 2}, []string{"Timeline stored", "failed to arm wake-up"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.Query(tt.params)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d: %+v", len(got), len(tt.want), got)
			}
			for i, msg := range tt.want {
				if got[i].Message != msg {
					t.Fatalf("entry %d = %q, want %q", i, got[i].Message, msg)
				}
			}
		})
	}
}

func TestWriterCapturesZerologJSON(t *testing.T) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	b := New(10)
	logger := zerolog.New(NewWriter(b)).With().Timestamp().Logger()

	logger.Warn().Str("component", "executor").Str("tile_id", "weather").Int("entry_index", 2).Msg("session restarted")

	got := b.Query(QueryParams{})
	if len(got) != 1 {
		t.Fatalf("expected one entry, got %d", len(got))
	}
	e := got[0]
	if e.Level != "warn" || e.Component != "executor" || e.TileID != "weather" || e.Message != "session restarted" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.Fields["entry_index"] != float64(2) {
		t.Fatalf("expected entry_index field, got %v", e.Fields)
	}
	if e.Timestamp.IsZero() {
		t.Fatal("expected timestamp")
	}
}

func TestWriterIgnoresNonJSON(t *testing.T) {
	b := New(10)
	n, err := NewWriter(b).Write([]byte("plain text\n"))
	if err != nil || n != len("plain text\n") {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if b.Stats().Count != 0 {
		t.Fatal("non-JSON line was buffered")
	}
}
