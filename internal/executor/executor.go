/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package executor hosts tile schedulers. Each tile session runs on its own
// serial loop, and a pool assigns tiles to instances with a consistent hash
// ring.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/alarm"
	"github.com/friendsincode/tiletimeline/internal/clock"
	"github.com/friendsincode/tiletimeline/internal/scheduler"
	"github.com/friendsincode/tiletimeline/internal/scheduler/state"
	"github.com/friendsincode/tiletimeline/internal/telemetry"
	"github.com/friendsincode/tiletimeline/internal/timeline"
)

var (
	// ErrExecutorNotRunning indicates the session loop has not started or has stopped.
	ErrExecutorNotRunning = errors.New("executor not running")

	// ErrExecutorRunning indicates Start was called twice.
	ErrExecutorRunning = errors.New("executor already running")
)

const defaultQueueSize = 64

// Config wires one tile session.
type Config struct {
	TileID         string
	InstanceID     string
	Token          alarm.Token
	Clock          clock.Clock
	MinUpdateDelay time.Duration
	Sink           scheduler.RenderSink
	History        *state.Store
	States         *StateManager // optional persistence
	QueueSize      int
	Logger         zerolog.Logger
}

// View is a snapshot of a session for status endpoints.
type View struct {
	TileID string `json:"tile_id"`
	scheduler.State
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Executor runs one tile scheduler on a dedicated goroutine. Every call into
// the scheduler, alarm callbacks included, is funnelled through the loop.
type Executor struct {
	cfg    Config
	logger zerolog.Logger

	queue   chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	started chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	running bool
	alarms  *alarm.TimerFacility

	// Owned by the loop goroutine.
	sched     *scheduler.Scheduler
	lastSaved scheduler.State
}

// New creates a session executor. Nothing runs until Start.
func New(cfg Config) *Executor {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "executor").Str("tile_id", cfg.TileID).Logger(),
		queue:   make(chan func(), cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// TileID returns the tile this executor drives.
func (e *Executor) TileID() string {
	return e.cfg.TileID
}

// Post queues fn on the session loop. It reports false once the session has
// stopped. Post implements alarm.Executor.
func (e *Executor) Post(fn func()) bool {
	if e.ctx.Err() != nil {
		return false
	}
	select {
	case e.queue <- fn:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// Do runs fn on the session loop and waits for its result.
func (e *Executor) Do(ctx context.Context, fn func() error) error {
	select {
	case <-e.started:
	default:
		return ErrExecutorNotRunning
	}
	res := make(chan error, 1)
	if !e.Post(func() { res <- fn() }) {
		return ErrExecutorNotRunning
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrExecutorNotRunning
		}
	}
}

// Start builds the scheduler over ix and performs its first evaluation. State
// persisted by a previous owner of the tile is resumed.
func (e *Executor) Start(ctx context.Context, ix *timeline.Index) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrExecutorRunning
	}
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return ErrExecutorNotRunning
	}

	var resume *scheduler.Resume
	if e.cfg.States != nil {
		r, err := e.cfg.States.Resume(ctx, e.cfg.TileID)
		if err != nil {
			e.logger.Warn().Err(err).Msg("failed to load persisted session state, starting fresh")
		}
		resume = r
	}

	e.alarms = alarm.NewTimerFacility(e.cfg.Clock, e, e.logger)
	sched, err := scheduler.New(scheduler.Config{
		TileID:         e.cfg.TileID,
		Index:          ix,
		Token:          e.cfg.Token,
		Clock:          e.cfg.Clock,
		Alarms:         e.alarms,
		Sink:           e.cfg.Sink,
		MinUpdateDelay: e.cfg.MinUpdateDelay,
		Logger:         e.cfg.Logger,
		History:        e.cfg.History,
		Resume:         resume,
	})
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("create scheduler: %w", err)
	}
	e.sched = sched
	e.running = true
	e.mu.Unlock()

	close(e.started)
	go e.loop()
	telemetry.SessionsActive.Inc()

	if err := e.Do(ctx, sched.Init); err != nil {
		e.logger.Error().Err(err).Msg("scheduler init reported an error")
		if errors.Is(err, scheduler.ErrAlarmSchedule) {
			return err
		}
		_ = e.Stop()
		return fmt.Errorf("init scheduler: %w", err)
	}

	e.logger.Info().Int("entries", ix.Len()).Msg("executor started")
	return nil
}

// Publish replaces the session's timeline.
func (e *Executor) Publish(ctx context.Context, ix *timeline.Index) error {
	return e.Do(ctx, func() error { return e.sched.UpdateTimeline(ix) })
}

// Refresh re-evaluates against the current clock.
func (e *Executor) Refresh(ctx context.Context) error {
	return e.Do(ctx, func() error { return e.sched.Reevaluate() })
}

// Snapshot returns the session state and the payload of the shown entry.
func (e *Executor) Snapshot(ctx context.Context) (View, error) {
	var view View
	err := e.Do(ctx, func() error {
		st := e.sched.Snapshot()
		view = View{TileID: e.cfg.TileID, State: st}
		if st.HasChanged && st.CurrentIndex >= 0 && st.CurrentIndex < st.Entries {
			view.Payload = PayloadJSON(e.sched.Index().Entry(st.CurrentIndex).Payload)
		}
		return nil
	})
	return view, err
}

// Timeline returns the index currently driven.
func (e *Executor) Timeline(ctx context.Context) (*timeline.Index, error) {
	var ix *timeline.Index
	err := e.Do(ctx, func() error {
		ix = e.sched.Index()
		return nil
	})
	return ix, err
}

// Stop closes the scheduler, persists its final state and ends the loop.
func (e *Executor) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrExecutorNotRunning
	}
	e.running = false
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Do(ctx, func() error {
		e.sched.Close()
		return nil
	}); err != nil {
		e.logger.Warn().Err(err).Msg("scheduler close did not run on the loop")
	}

	e.cancel()
	<-e.done
	e.alarms.Close()
	telemetry.SessionsActive.Dec()

	e.logger.Info().Msg("executor stopped")
	return nil
}

// Close implements registry.Closer.
func (e *Executor) Close() error {
	defer e.cancel()
	if err := e.Stop(); err != nil && !errors.Is(err, ErrExecutorNotRunning) {
		return err
	}
	return nil
}

// IsRunning checks if the executor is running.
func (e *Executor) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Executor) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.ctx.Done():
			return
		case fn := <-e.queue:
			fn()
			e.persist()
		}
	}
}

// persist saves the scheduler snapshot when it changed since the last save.
func (e *Executor) persist() {
	if e.cfg.States == nil || e.sched == nil {
		return
	}
	st := e.sched.Snapshot()
	if st == e.lastSaved {
		return
	}

	// The final save after Stop runs while the loop context is cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.cfg.States.Save(ctx, e.cfg.TileID, e.cfg.InstanceID, st); err != nil {
		e.logger.Error().Err(err).Msg("failed to persist session state")
		return
	}
	e.lastSaved = st
}

// PayloadJSON renders an entry payload for JSON responses. JSON payloads
// pass through and anything else is quoted.
func PayloadJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
