package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/tiletimeline/internal/clock"
	"github.com/friendsincode/tiletimeline/internal/models"
	"github.com/friendsincode/tiletimeline/internal/scheduler"
	"github.com/friendsincode/tiletimeline/internal/timeline"
)

const (
	t0     uint64 = 1_700_000_000_000
	minute uint64 = 60 * 1000
)

func openTestDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.AutoMigrate(&models.SessionState{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

type recordingSink struct {
	mu    sync.Mutex
	shown []int
}

func (s *recordingSink) OnEntryActivated(index int, _ []byte) {
	s.mu.Lock()
	s.shown = append(s.shown, index)
	s.mu.Unlock()
}

func (s *recordingSink) activations() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.shown...)
}

func stackedIndex() *timeline.Index {
	bounded := timeline.Interval(t0, t0+60*minute)
	return timeline.MustBuild(timeline.Timeline{
		{Payload: []byte(`{"text":"default"}`)},
		{Payload: []byte("breaking"), Validity: &bounded},
	})
}

func TestExecutorLifecycle(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	exec := New(Config{
		TileID: "weather",
		Token:  1,
		Clock:  clock.NewFake(t0 + minute),
		Sink:   sink,
		Logger: zerolog.Nop(),
	})

	if err := exec.Refresh(ctx); !errors.Is(err, ErrExecutorNotRunning) {
		t.Fatalf("Refresh before Start: expected ErrExecutorNotRunning, got %v", err)
	}

	if err := exec.Start(ctx, stackedIndex()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := exec.Start(ctx, stackedIndex()); !errors.Is(err, ErrExecutorRunning) {
		t.Fatalf("second Start: expected ErrExecutorRunning, got %v", err)
	}

	if got := sink.activations(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("activations = %v, want [1]", got)
	}

	view, err := exec.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if view.TileID != "weather" || view.CurrentIndex != 1 || view.PhaseName != "running" {
		t.Fatalf("unexpected view: %+v", view)
	}
	if string(view.Payload) != `"breaking"` {
		t.Fatalf("non-JSON payload should be quoted, got %s", view.Payload)
	}
	if view.NextWakeMillis != t0+60*minute {
		t.Fatalf("NextWakeMillis = %d, want %d", view.NextWakeMillis, t0+60*minute)
	}

	// New content is committed at once, without waiting out the update delay.
	if err := exec.Publish(ctx, timeline.MustBuild(timeline.Timeline{{Payload: []byte(`{"n":1}`)}})); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := sink.activations(); len(got) != 2 || got[1] != 0 {
		t.Fatalf("activations after publish = %v, want [1 0]", got)
	}

	if err := exec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if exec.IsRunning() {
		t.Fatal("executor still running after Stop")
	}
	if exec.Post(func() {}) {
		t.Fatal("Post accepted work after Stop")
	}
	if err := exec.Close(); err != nil {
		t.Fatalf("Close after Stop: %v", err)
	}
}

func TestExecutorPersistsAndResumes(t *testing.T) {
	ctx := context.Background()
	states := NewStateManager(openTestDB(t, "executor_resume"), zerolog.Nop())
	clk := clock.NewFake(t0 + minute)

	first := &recordingSink{}
	exec := New(Config{TileID: "news", InstanceID: "i1", Token: 1, Clock: clk, Sink: first, States: states})
	if err := exec.Start(ctx, stackedIndex()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := exec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st, err := states.GetState(ctx, "news")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.CurrentIndex != 1 || st.LastChangeMillis != int64(t0+minute) || st.Phase != "closed" {
		t.Fatalf("unexpected persisted state: %+v", st)
	}
	if st.NextWakeMillis != models.NoWake {
		t.Fatalf("closed session should have no wake, got %d", st.NextWakeMillis)
	}

	// A second owner picks up the same tile and must not re-deliver entry 1.
	second := &recordingSink{}
	handover := New(Config{TileID: "news", InstanceID: "i2", Token: 2, Clock: clk, Sink: second, States: states})
	if err := handover.Start(ctx, stackedIndex()); err != nil {
		t.Fatalf("Start after handover: %v", err)
	}
	t.Cleanup(func() { _ = handover.Close() })

	if got := second.activations(); len(got) != 0 {
		t.Fatalf("handover re-delivered %v", got)
	}
	view, err := handover.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if view.CurrentIndex != 1 || view.LastChangeMillis != t0+minute {
		t.Fatalf("resumed view = %+v", view)
	}
}

func TestExecutorDeliversContentChangedWhileStopped(t *testing.T) {
	ctx := context.Background()
	states := NewStateManager(openTestDB(t, "executor_changed_content"), zerolog.Nop())
	clk := clock.NewFake(t0 + minute)

	first := New(Config{TileID: "quote", InstanceID: "i1", Token: 1, Clock: clk, Sink: &recordingSink{}, States: states})
	if err := first.Start(ctx, timeline.MustBuild(timeline.Timeline{{Payload: []byte("old-content")}})); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := first.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	var payloads []string
	var mu sync.Mutex
	sink := scheduler.SinkFunc(func(_ int, p []byte) {
		mu.Lock()
		payloads = append(payloads, string(p))
		mu.Unlock()
	})
	second := New(Config{TileID: "quote", InstanceID: "i1", Token: 2, Clock: clk, Sink: sink, States: states})
	if err := second.Start(ctx, timeline.MustBuild(timeline.Timeline{{Payload: []byte("new-content")}})); err != nil {
		t.Fatalf("Start with new content: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	mu.Lock()
	got := append([]string(nil), payloads...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "new-content" {
		t.Fatalf("delivered %v, want [new-content]", got)
	}
}

func TestStateManagersShareLatestState(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t, "state_shared")
	a := NewStateManager(database, zerolog.Nop())
	b := NewStateManager(database, zerolog.Nop())
	ix := stackedIndex()

	saved := scheduler.State{Phase: scheduler.PhaseClosed, CurrentIndex: 0, HasChanged: true, LastChangeMillis: t0, NextWakeMillis: timeline.Forever, Revision: ix.Fingerprint()}
	if err := a.Save(ctx, "w", "a", saved); err != nil {
		t.Fatalf("Save from a: %v", err)
	}
	if r, err := a.Resume(ctx, "w"); err != nil || r == nil || r.CurrentIndex != 0 {
		t.Fatalf("Resume on a = (%+v, %v)", r, err)
	}

	saved.CurrentIndex = 1
	saved.LastChangeMillis = t0 + 5*minute
	if err := b.Save(ctx, "w", "b", saved); err != nil {
		t.Fatalf("Save from b: %v", err)
	}

	r, err := a.Resume(ctx, "w")
	if err != nil {
		t.Fatalf("Resume on a after b: %v", err)
	}
	if r == nil || r.CurrentIndex != 1 || r.LastChangeMillis != t0+5*minute || r.Revision != ix.Fingerprint() {
		t.Fatalf("a resumed %+v, want the state saved by b", r)
	}
}

func TestStateManagerResumeWithoutCommit(t *testing.T) {
	ctx := context.Background()
	states := NewStateManager(openTestDB(t, "state_no_commit"), zerolog.Nop())

	if r, err := states.Resume(ctx, "unknown"); err != nil || r != nil {
		t.Fatalf("Resume(unknown) = (%v, %v), want (nil, nil)", r, err)
	}

	snap := scheduler.State{Phase: scheduler.PhaseRunning, CurrentIndex: -1, NextWakeMillis: timeline.Forever}
	if err := states.Save(ctx, "empty", "i1", snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if r, err := states.Resume(ctx, "empty"); err != nil || r != nil {
		t.Fatalf("Resume(empty) = (%v, %v), want (nil, nil)", r, err)
	}

	all, err := states.ListStates(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListStates = (%d, %v)", len(all), err)
	}
	if err := states.Delete(ctx, "empty"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := states.GetState(ctx, "empty"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("GetState after Delete: expected ErrStateNotFound, got %v", err)
	}
}
