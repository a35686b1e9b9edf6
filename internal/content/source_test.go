package content

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/storage"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []Revision
	deleted   []string
}

func (p *recordingPublisher) PublishRevision(_ context.Context, rev Revision) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, rev)
	return nil
}

func (p *recordingPublisher) DeleteTile(_ context.Context, tileID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, tileID)
	return nil
}

func (p *recordingPublisher) tiles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.published))
	for _, rev := range p.published {
		out = append(out, rev.TileID)
	}
	return out
}

func (p *recordingPublisher) deletedTiles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deleted...)
}

type memoryStore struct {
	objects map[string]storage.Object
	data    map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string]storage.Object{}, data: map[string][]byte{}}
}

func (m *memoryStore) List(_ context.Context, _ string) ([]storage.Object, error) {
	out := make([]storage.Object, 0, len(m.objects))
	for _, obj := range m.objects {
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := m.data[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (m *memoryStore) Put(_ context.Context, key string, data []byte) error {
	m.data[key] = data
	m.objects[key] = storage.Object{Key: key, ETag: Checksum(data)[:16], Size: int64(len(data))}
	return nil
}

func TestS3SourcePoll(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	_ = store.Put(ctx, "timelines/weather.yaml", []byte("tile: weather\nentries:\n  - payload: sun\n"))
	_ = store.Put(ctx, "timelines/broken.yaml", []byte("tile: [\n"))
	_ = store.Put(ctx, "timelines/readme.txt", []byte("ignored"))

	pub := &recordingPublisher{}
	src := NewS3Source(store, "timelines/", time.Minute, pub, zerolog.Nop())

	if err := src.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := pub.tiles(); len(got) != 1 || got[0] != "weather" {
		t.Fatalf("published %v, want [weather]", got)
	}

	// Unchanged ETags are skipped, including the broken object.
	if err := src.Poll(ctx); err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if got := pub.tiles(); len(got) != 1 {
		t.Fatalf("unchanged objects were republished: %v", got)
	}

	_ = store.Put(ctx, "timelines/weather.yaml", []byte("tile: weather\nentries:\n  - payload: rain\n"))
	if err := src.Poll(ctx); err != nil {
		t.Fatalf("third Poll: %v", err)
	}
	if got := pub.tiles(); len(got) != 2 {
		t.Fatalf("changed object not republished: %v", got)
	}

	delete(store.objects, "timelines/weather.yaml")
	delete(store.objects, "timelines/broken.yaml")
	if err := src.Poll(ctx); err != nil {
		t.Fatalf("fourth Poll: %v", err)
	}
	if got := pub.deletedTiles(); len(got) != 1 || got[0] != "weather" {
		t.Fatalf("deleted %v, want [weather]", got)
	}
}

func TestFileSourceScan(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("weather.yaml", "entries:\n  - payload: sun\n")
	write("news.json", `{"tile":"headlines","entries":[{"payload":"hi"}]}`)
	write("notes.md", "not a timeline")

	pub := &recordingPublisher{}
	src := NewFileSource(dir, pub, zerolog.Nop())
	if err := src.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	got := pub.tiles()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "headlines" || got[1] != "weather" {
		t.Fatalf("published %v, want [headlines weather]", got)
	}

	src.remove(context.Background(), filepath.Join(dir, "weather.yaml"))
	if del := pub.deletedTiles(); len(del) != 1 || del[0] != "weather" {
		t.Fatalf("deleted %v, want [weather]", del)
	}
}

func TestFileSourceRunPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	pub := &recordingPublisher{}
	src := NewFileSource(dir, pub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run: %v", err)
		}
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "clock.yaml"), []byte("entries:\n  - payload: tick\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(pub.tiles()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("new document was not published")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := pub.tiles()[0]; got != "clock" {
		t.Fatalf("published %q, want clock", got)
	}
}
