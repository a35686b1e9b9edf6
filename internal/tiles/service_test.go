package tiles

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/tiletimeline/internal/clock"
	"github.com/friendsincode/tiletimeline/internal/content"
	"github.com/friendsincode/tiletimeline/internal/events"
	"github.com/friendsincode/tiletimeline/internal/executor"
	"github.com/friendsincode/tiletimeline/internal/models"
	"github.com/friendsincode/tiletimeline/internal/scheduler"
	"github.com/friendsincode/tiletimeline/internal/storage"
	"github.com/friendsincode/tiletimeline/internal/store"
)

type archive struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func (a *archive) List(context.Context, string) ([]storage.Object, error) { return nil, nil }

func (a *archive) Get(_ context.Context, key string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.keys[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (a *archive) Put(_ context.Context, key string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key] = data
	return nil
}

type fixture struct {
	svc     *Service
	pool    *executor.Pool
	store   *store.Store
	bus     *events.Bus
	archive *archive

	mu    sync.Mutex
	shown map[string][]string
}

func newFixture(t *testing.T, name string) *fixture {
	t.Helper()
	database, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := database.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(&models.TileTimeline{}, &models.SessionState{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := &fixture{
		bus:     events.NewBus(),
		archive: &archive{keys: map[string][]byte{}},
		shown:   map[string][]string{},
	}
	f.store = store.New(database, nil, zerolog.Nop())
	states := executor.NewStateManager(database, zerolog.Nop())
	f.pool = executor.NewPool(executor.PoolConfig{
		InstanceID: "i1",
		Loader:     f.store,
		States:     states,
		Clock:      clock.NewFake(1_700_000_000_000),
		Bus:        f.bus,
		Logger:     zerolog.Nop(),
		Sinks: func(tileID string) scheduler.RenderSink {
			return scheduler.SinkFunc(func(_ int, payload []byte) {
				f.mu.Lock()
				f.shown[tileID] = append(f.shown[tileID], string(payload))
				f.mu.Unlock()
			})
		},
	})
	t.Cleanup(func() { _ = f.pool.Stop() })

	f.svc = New(Config{
		InstanceID:    "i1",
		Store:         f.store,
		Pool:          f.pool,
		States:        states,
		Bus:           f.bus,
		Archive:       f.archive,
		ArchivePrefix: "timelines",
		Logger:        zerolog.Nop(),
	})
	return f
}

func (f *fixture) payloads(tileID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.shown[tileID]...)
}

func TestPutPublishesAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "tiles_put")
	updates := f.bus.Subscribe(events.EventTimelineUpdated)

	rec, err := f.svc.Put(ctx, "weather", []byte("entries:\n  - payload: sun\n"), "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if rec.Version != 1 || rec.Source != models.SourceAPI {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if got := f.payloads("weather"); len(got) != 1 || got[0] != "sun" {
		t.Fatalf("shown = %v, want [sun]", got)
	}
	if _, ok := f.archive.keys["timelines/weather.yaml"]; !ok {
		t.Fatal("document was not archived")
	}

	select {
	case payload := <-updates:
		if payload["tile_id"] != "weather" || payload["version"] != 1 {
			t.Fatalf("unexpected update payload: %v", payload)
		}
	default:
		t.Fatal("timeline updated event not published")
	}

	// An identical document from another source changes nothing.
	rev, err := content.NewRevision(models.SourceS3, "timelines/weather.yaml", []byte("entries:\n  - payload: sun\n"))
	if err != nil {
		t.Fatalf("NewRevision: %v", err)
	}
	if err := f.svc.PublishRevision(ctx, rev); err != nil {
		t.Fatalf("PublishRevision: %v", err)
	}
	if got := f.payloads("weather"); len(got) != 1 {
		t.Fatalf("duplicate revision re-rendered: %v", got)
	}
	select {
	case payload := <-updates:
		t.Fatalf("duplicate revision emitted %v", payload)
	default:
	}

	if _, err := f.svc.Put(ctx, "weather", []byte("entries:\n  - payload: rain\n"), "yaml"); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if got := f.payloads("weather"); len(got) != 2 || got[1] != "rain" {
		t.Fatalf("shown = %v, want [sun rain]", got)
	}
}

func TestPutRejectsInvalidDocuments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "tiles_invalid")

	if _, err := f.svc.Put(ctx, "weather", []byte("tile: news\nentries: []\n"), ""); !errors.Is(err, ErrTileMismatch) {
		t.Fatalf("expected ErrTileMismatch, got %v", err)
	}
	if _, err := f.svc.Put(ctx, "weather", []byte("entries:\n  - validity: {start: 5, end: 1}\n"), ""); err == nil {
		t.Fatal("expected inverted interval to be rejected")
	}
	if ids, _ := f.store.ListTileIDs(ctx); len(ids) != 0 {
		t.Fatalf("rejected documents were stored: %v", ids)
	}
}

func TestDeleteTileStopsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "tiles_delete")
	deleted := f.bus.Subscribe(events.EventTimelineDeleted)

	if _, err := f.svc.Put(ctx, "news", []byte("entries:\n  - payload: hello\n"), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := f.pool.Session("news"); err != nil {
		t.Fatalf("session not started: %v", err)
	}

	if err := f.svc.DeleteTile(ctx, "news", models.SourceAPI); err != nil {
		t.Fatalf("DeleteTile: %v", err)
	}
	if _, err := f.pool.Session("news"); !errors.Is(err, executor.ErrExecutorNotRunning) {
		t.Fatalf("session survived delete: %v", err)
	}
	if _, err := f.store.Latest(ctx, "news"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("versions survived delete: %v", err)
	}
	select {
	case payload := <-deleted:
		if payload["tile_id"] != "news" {
			t.Fatalf("unexpected delete payload: %v", payload)
		}
	default:
		t.Fatal("timeline deleted event not published")
	}

	if err := f.svc.DeleteTile(ctx, "news", models.SourceAPI); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second DeleteTile: expected store.ErrNotFound, got %v", err)
	}
}
