package executor

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/events"
)

func TestMembershipTracksHeartbeats(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(PoolConfig{InstanceID: "i1", Logger: zerolog.Nop()})
	m := NewMembership(pool, events.NewBus(), time.Second, zerolog.Nop())

	start := time.Unix(1_700_000_000, 0)
	m.Observe(ctx, events.Payload{"instance_id": "i1"}, start)
	m.Observe(ctx, events.Payload{"instance_id": "i2"}, start)
	m.Observe(ctx, events.Payload{"instance_id": "i3"}, start)

	if got := pool.Instances(); !slices.Equal(got, []string{"i1", "i2", "i3"}) {
		t.Fatalf("instances = %v", got)
	}

	// i2 keeps beating, i3 goes quiet.
	m.Observe(ctx, events.Payload{"instance_id": "i2"}, start.Add(2*time.Second))
	m.Sweep(ctx, start.Add(4*time.Second))

	if got := pool.Instances(); !slices.Equal(got, []string{"i1", "i2"}) {
		t.Fatalf("instances after sweep = %v", got)
	}

	m.Observe(ctx, events.Payload{"instance_id": "i2", "status": statusLeaving}, start.Add(5*time.Second))
	if got := pool.Instances(); !slices.Equal(got, []string{"i1"}) {
		t.Fatalf("instances after leave = %v", got)
	}
}

func TestMembershipRunAnnounces(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.EventHealth)
	pool := NewPool(PoolConfig{InstanceID: "i1", Logger: zerolog.Nop()})
	m := NewMembership(pool, bus, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case payload := <-sub:
		if payload["instance_id"] != "i1" || payload["status"] != nil {
			t.Fatalf("unexpected heartbeat: %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat announced")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case payload := <-sub:
		if payload["status"] != statusLeaving {
			t.Fatalf("expected leaving announcement, got %v", payload)
		}
	default:
		t.Fatal("no leaving announcement")
	}
}
