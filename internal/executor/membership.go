/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package executor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/events"
	"github.com/friendsincode/tiletimeline/internal/telemetry"
)

// DefaultHeartbeatInterval is how often an instance announces itself.
const DefaultHeartbeatInterval = 5 * time.Second

const statusLeaving = "leaving"

// Membership keeps the pool's ring in step with the instances announcing
// themselves on the event bus. An instance missing three heartbeats is
// dropped from the ring.
type Membership struct {
	pool     *Pool
	bus      events.Broker
	interval time.Duration
	ttl      time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewMembership creates a membership tracker for pool. A non-positive
// interval means DefaultHeartbeatInterval.
func NewMembership(pool *Pool, bus events.Broker, interval time.Duration, logger zerolog.Logger) *Membership {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Membership{
		pool:     pool,
		bus:      bus,
		interval: interval,
		ttl:      3 * interval,
		logger:   logger.With().Str("component", "membership").Logger(),
		lastSeen: make(map[string]time.Time),
	}
}

// Run heartbeats and follows other instances until ctx is cancelled, then
// announces that this instance is leaving.
func (m *Membership) Run(ctx context.Context) error {
	sub := m.bus.Subscribe(events.EventHealth)
	defer m.bus.Unsubscribe(events.EventHealth, sub)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.announce("")
	for {
		select {
		case <-ctx.Done():
			m.announce(statusLeaving)
			return nil
		case now := <-ticker.C:
			m.announce("")
			m.Sweep(ctx, now)
		case payload, ok := <-sub:
			if !ok {
				return nil
			}
			m.Observe(ctx, payload, time.Now())
		}
	}
}

// Observe applies one heartbeat.
func (m *Membership) Observe(ctx context.Context, payload events.Payload, now time.Time) {
	id, _ := payload["instance_id"].(string)
	if id == "" || id == m.pool.InstanceID() {
		return
	}
	status, _ := payload["status"].(string)

	m.mu.Lock()
	_, known := m.lastSeen[id]
	if status == statusLeaving {
		delete(m.lastSeen, id)
	} else {
		m.lastSeen[id] = now
	}
	m.mu.Unlock()

	switch {
	case status == statusLeaving && known:
		m.remove(ctx, id)
	case status != statusLeaving && !known:
		if err := m.pool.AddInstance(ctx, id); err != nil {
			m.logger.Warn().Err(err).Str("instance_id", id).Msg("failed to add instance")
		}
		m.updateGauge()
	}
}

// Sweep drops instances whose last heartbeat is older than the TTL.
func (m *Membership) Sweep(ctx context.Context, now time.Time) {
	var expired []string
	m.mu.Lock()
	for id, seen := range m.lastSeen {
		if now.Sub(seen) > m.ttl {
			expired = append(expired, id)
			delete(m.lastSeen, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Warn().Str("instance_id", id).Msg("instance heartbeat expired")
		m.remove(ctx, id)
	}
}

func (m *Membership) remove(ctx context.Context, id string) {
	if err := m.pool.RemoveInstance(ctx, id); err != nil {
		m.logger.Warn().Err(err).Str("instance_id", id).Msg("failed to remove instance")
	}
	m.updateGauge()
}

func (m *Membership) announce(status string) {
	payload := events.Payload{"instance_id": m.pool.InstanceID()}
	if status != "" {
		payload["status"] = status
	}
	m.bus.Publish(events.EventHealth, payload)
}

func (m *Membership) updateGauge() {
	telemetry.ClusterInstances.Set(float64(len(m.pool.Instances())))
}
