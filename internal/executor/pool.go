/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/alarm"
	"github.com/friendsincode/tiletimeline/internal/clock"
	"github.com/friendsincode/tiletimeline/internal/events"
	"github.com/friendsincode/tiletimeline/internal/registry"
	"github.com/friendsincode/tiletimeline/internal/scheduler"
	"github.com/friendsincode/tiletimeline/internal/scheduler/state"
	"github.com/friendsincode/tiletimeline/internal/timeline"
)

// ErrNotAssigned indicates the tile hashes to another instance.
var ErrNotAssigned = errors.New("tile not assigned to this instance")

// Loader supplies the timelines of known tiles.
type Loader interface {
	ListTileIDs(ctx context.Context) ([]string, error)
	LoadIndex(ctx context.Context, tileID string) (*timeline.Index, error)
}

// SinkFactory builds the render sink for a tile session.
type SinkFactory func(tileID string) scheduler.RenderSink

// PoolConfig wires a Pool.
type PoolConfig struct {
	InstanceID     string
	Loader         Loader
	States         *StateManager
	History        *state.Store
	Clock          clock.Clock
	MinUpdateDelay time.Duration
	Sinks          SinkFactory
	Bus            events.Broker
	Replicas       int
	// Standby keeps the pool from starting sessions unless Run is active,
	// for deployments where leader election decides which instance runs.
	Standby bool
	Logger  zerolog.Logger
}

// Pool hosts the tile sessions assigned to this instance. Tiles are spread
// across instances with consistent hashing; sessions are reference counted
// so several hosts can bind the same tile.
type Pool struct {
	instanceID string
	cfg        PoolConfig
	logger     zerolog.Logger
	sessions   *registry.Registry[*Executor]
	tokens     atomic.Uint64
	active     atomic.Bool

	mu        sync.RWMutex
	instances []string // sorted list of instance IDs for consistent hashing
	ring      *consistentHashRing
}

// NewPool creates a pool with this instance as the only ring member.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	ring := newConsistentHashRing(cfg.Replicas)
	ring.addNode(cfg.InstanceID)

	return &Pool{
		instanceID: cfg.InstanceID,
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "executor_pool").Logger(),
		sessions:   registry.New[*Executor](),
		instances:  []string{cfg.InstanceID},
		ring:       ring,
	}
}

// Run binds every assigned tile and follows timeline updates from other
// instances until ctx is cancelled, then stops all sessions. It satisfies
// scheduler.Runner so leader election can gate it.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Str("instance_id", p.instanceID).Msg("starting executor pool")
	p.active.Store(true)
	defer p.active.Store(false)

	if err := p.bindAssigned(ctx); err != nil {
		return err
	}
	p.logger.Info().Int("session_count", len(p.sessions.IDs())).Msg("executor pool started")

	var updates, deletes events.Subscriber
	if p.cfg.Bus != nil {
		updates = p.cfg.Bus.Subscribe(events.EventTimelineUpdated)
		deletes = p.cfg.Bus.Subscribe(events.EventTimelineDeleted)
		defer p.cfg.Bus.Unsubscribe(events.EventTimelineUpdated, updates)
		defer p.cfg.Bus.Unsubscribe(events.EventTimelineDeleted, deletes)
	}

	for {
		select {
		case <-ctx.Done():
			p.active.Store(false)
			return p.Stop()
		case payload, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			p.handleRemoteUpdate(ctx, payload)
		case payload, ok := <-deletes:
			if !ok {
				deletes = nil
				continue
			}
			if tileID, remote := p.remoteTile(payload); remote {
				if err := p.Evict(tileID); err != nil && !errors.Is(err, registry.ErrNotFound) {
					p.logger.Error().Err(err).Str("tile_id", tileID).Msg("failed to evict deleted tile")
				}
			}
		}
	}
}

// remoteTile extracts the tile of an event published by another instance.
func (p *Pool) remoteTile(payload events.Payload) (string, bool) {
	tileID, _ := payload["tile_id"].(string)
	origin, _ := payload["instance_id"].(string)
	return tileID, tileID != "" && origin != p.instanceID
}

func (p *Pool) handleRemoteUpdate(ctx context.Context, payload events.Payload) {
	tileID, remote := p.remoteTile(payload)
	if !remote {
		return
	}
	exec, ok := p.sessions.Get(tileID)
	if !ok {
		// A tile created elsewhere that hashes here starts on this instance.
		if p.isAssigned(tileID) {
			if _, err := p.Bind(ctx, tileID); err != nil {
				p.logger.Error().Err(err).Str("tile_id", tileID).Msg("failed to bind updated tile")
			}
		}
		return
	}
	ix, err := p.cfg.Loader.LoadIndex(ctx, tileID)
	if err != nil {
		p.logger.Error().Err(err).Str("tile_id", tileID).Msg("failed to reload updated timeline")
		return
	}
	if err := exec.Publish(ctx, ix); err != nil {
		p.logger.Error().Err(err).Str("tile_id", tileID).Msg("failed to apply updated timeline")
	}
}

func (p *Pool) bindAssigned(ctx context.Context) error {
	if p.cfg.Loader == nil {
		return nil
	}
	tileIDs, err := p.cfg.Loader.ListTileIDs(ctx)
	if err != nil {
		return fmt.Errorf("load tiles: %w", err)
	}
	for _, tileID := range tileIDs {
		if !p.isAssigned(tileID) {
			continue
		}
		if _, ok := p.sessions.Get(tileID); ok {
			continue
		}
		if _, err := p.Bind(ctx, tileID); err != nil {
			p.logger.Error().Err(err).Str("tile_id", tileID).Msg("failed to bind tile")
		}
	}
	return nil
}

// Bind takes a reference on the session for tileID, starting it from the
// loader when none exists.
func (p *Pool) Bind(ctx context.Context, tileID string) (*Executor, error) {
	return p.acquire(ctx, tileID, nil)
}

func (p *Pool) acquire(ctx context.Context, tileID string, ix *timeline.Index) (*Executor, error) {
	if p.cfg.Standby && !p.active.Load() {
		return nil, fmt.Errorf("%w: instance %s is on standby", ErrNotAssigned, p.instanceID)
	}
	if !p.isAssigned(tileID) {
		owner, _ := p.GetAssignment(tileID)
		return nil, fmt.Errorf("%w: %s is owned by %s", ErrNotAssigned, tileID, owner)
	}

	return p.sessions.Acquire(tileID, func() (*Executor, error) {
		if ix == nil && p.cfg.Loader != nil {
			loaded, err := p.cfg.Loader.LoadIndex(ctx, tileID)
			if err != nil {
				return nil, fmt.Errorf("load timeline: %w", err)
			}
			ix = loaded
		}

		var sink scheduler.RenderSink = scheduler.SinkFunc(func(int, []byte) {})
		if p.cfg.Sinks != nil {
			sink = p.cfg.Sinks(tileID)
		}

		exec := New(Config{
			TileID:         tileID,
			InstanceID:     p.instanceID,
			Token:          alarm.Token(p.tokens.Add(1)),
			Clock:          p.cfg.Clock,
			MinUpdateDelay: p.cfg.MinUpdateDelay,
			Sink:           sink,
			History:        p.cfg.History,
			States:         p.cfg.States,
			Logger:         p.cfg.Logger,
		})
		if err := exec.Start(ctx, ix); err != nil && !errors.Is(err, scheduler.ErrAlarmSchedule) {
			_ = exec.Close()
			return nil, err
		}

		p.publish(events.EventSessionStarted, tileID)
		p.logger.Info().Str("tile_id", tileID).Str("instance_id", p.instanceID).Msg("session started")
		return exec, nil
	})
}

// Unbind drops one reference. The session stops with the last one.
func (p *Pool) Unbind(tileID string) error {
	closed, err := p.sessions.Release(tileID)
	if errors.Is(err, registry.ErrNotFound) {
		return ErrExecutorNotRunning
	}
	if closed {
		p.sessionClosed(tileID)
	}
	return err
}

// Evict stops the session for tileID regardless of how many hosts hold it.
func (p *Pool) Evict(tileID string) error {
	err := p.sessions.Evict(tileID)
	if errors.Is(err, registry.ErrNotFound) {
		return err
	}
	p.sessionClosed(tileID)
	return err
}

func (p *Pool) sessionClosed(tileID string) {
	if p.cfg.History != nil {
		p.cfg.History.Forget(tileID)
	}
	p.publish(events.EventSessionClosed, tileID)
	p.logger.Info().Str("tile_id", tileID).Msg("session stopped")
}

// Publish delivers a new timeline to the tile's session, starting one when
// the tile is assigned here and not yet running.
func (p *Pool) Publish(ctx context.Context, tileID string, ix *timeline.Index) error {
	if exec, ok := p.sessions.Get(tileID); ok {
		return exec.Publish(ctx, ix)
	}
	_, err := p.acquire(ctx, tileID, ix)
	return err
}

// Refresh re-evaluates the tile's session.
func (p *Pool) Refresh(ctx context.Context, tileID string) error {
	exec, err := p.Session(tileID)
	if err != nil {
		return err
	}
	return exec.Refresh(ctx)
}

// Session returns the running session for tileID.
func (p *Pool) Session(tileID string) (*Executor, error) {
	exec, ok := p.sessions.Get(tileID)
	if !ok {
		return nil, ErrExecutorNotRunning
	}
	return exec, nil
}

// Bindings reports how many hosts hold the session for tileID.
func (p *Pool) Bindings(tileID string) int {
	return p.sessions.Refs(tileID)
}

// ListSessions returns the tile IDs with sessions on this instance.
func (p *Pool) ListSessions() []string {
	return p.sessions.IDs()
}

// Stop stops every session in the pool.
func (p *Pool) Stop() error {
	p.logger.Info().Msg("stopping executor pool")
	ids := p.sessions.IDs()
	err := p.sessions.Drain()
	for _, tileID := range ids {
		p.sessionClosed(tileID)
	}
	p.logger.Info().Msg("executor pool stopped")
	return err
}

// AddInstance adds a new instance to the pool and rebalances sessions.
func (p *Pool) AddInstance(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	for _, id := range p.instances {
		if id == instanceID {
			p.mu.Unlock()
			return fmt.Errorf("instance %s already exists", instanceID)
		}
	}
	p.instances = append(p.instances, instanceID)
	sort.Strings(p.instances)
	p.ring.addNode(instanceID)
	total := len(p.instances)
	p.mu.Unlock()

	p.logger.Info().Str("instance_id", instanceID).Int("total_instances", total).Msg("instance added to pool")
	return p.rebalance(ctx)
}

// RemoveInstance removes an instance from the pool and rebalances sessions.
func (p *Pool) RemoveInstance(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	idx := sort.SearchStrings(p.instances, instanceID)
	if idx == len(p.instances) || p.instances[idx] != instanceID {
		p.mu.Unlock()
		return fmt.Errorf("instance %s not found", instanceID)
	}
	p.instances = append(p.instances[:idx:idx], p.instances[idx+1:]...)
	p.ring.removeNode(instanceID)
	total := len(p.instances)
	p.mu.Unlock()

	p.logger.Info().Str("instance_id", instanceID).Int("total_instances", total).Msg("instance removed from pool")
	return p.rebalance(ctx)
}

// rebalance stops sessions that moved away and starts the ones that moved
// here.
func (p *Pool) rebalance(ctx context.Context) error {
	for _, tileID := range p.sessions.IDs() {
		if p.isAssigned(tileID) {
			continue
		}
		if err := p.Evict(tileID); err != nil && !errors.Is(err, registry.ErrNotFound) {
			p.logger.Error().Err(err).Str("tile_id", tileID).Msg("failed to stop session during rebalance")
		}
	}
	return p.bindAssigned(ctx)
}

// InstanceID returns this instance's ring member ID.
func (p *Pool) InstanceID() string {
	return p.instanceID
}

// Instances returns the ring members.
func (p *Pool) Instances() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.instances...)
}

func (p *Pool) isAssigned(tileID string) bool {
	owner, ok := p.ring.getNode(tileID)
	return ok && owner == p.instanceID
}

// GetAssignment returns the instance ID responsible for a given tile.
func (p *Pool) GetAssignment(tileID string) (string, error) {
	owner, ok := p.ring.getNode(tileID)
	if !ok {
		return "", fmt.Errorf("no instance available for tile %s", tileID)
	}
	return owner, nil
}

func (p *Pool) publish(eventType events.EventType, tileID string) {
	if p.cfg.Bus == nil {
		return
	}
	p.cfg.Bus.Publish(eventType, events.Payload{
		"tile_id":     tileID,
		"instance_id": p.instanceID,
	})
}
