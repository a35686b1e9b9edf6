package eventbus

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/events"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := marshalEnvelope(events.EventEntryActivated, events.Payload{"tile_id": "weather"}, "node-a")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env, err := unmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.EventType != events.EventEntryActivated || env.NodeID != "node-a" || env.Payload["tile_id"] != "weather" {
		t.Fatalf("envelope = %+v", env)
	}
	if env.MessageID == "" {
		t.Error("message id not set")
	}

	if _, err := unmarshalEnvelope([]byte("{")); err == nil {
		t.Error("expected an error for malformed input")
	}
}

func TestSubjectFor(t *testing.T) {
	if got := subjectFor(events.EventSessionClosed); got != "tiletimeline.events.tile.session_closed" {
		t.Fatalf("subject = %q", got)
	}
}

func TestNewNodeIDUnique(t *testing.T) {
	a, b := NewNodeID(), NewNodeID()
	if a == b {
		t.Fatalf("node ids collide: %q", a)
	}
	if !strings.Contains(a, "-") {
		t.Fatalf("node id %q lacks host prefix", a)
	}
}

// Both buses must keep delivering locally when their broker is down.
func TestBusesDegradeToLocal(t *testing.T) {
	redisCfg := DefaultRedisConfig()
	redisCfg.Addr = "127.0.0.1:1"
	redisCfg.DialTimeout = 200 * time.Millisecond
	redisCfg.MinIdleConns = 0

	natsCfg := DefaultNATSConfig()
	natsCfg.URL = "nats://127.0.0.1:1"
	natsCfg.Timeout = 200 * time.Millisecond

	rb := NewRedisBus(redisCfg, "node-a", zerolog.Nop())
	nb := NewNATSBus(natsCfg, "node-a", zerolog.Nop())

	tests := []struct {
		name string
		bus  interface {
			events.Broker
			Degraded() bool
			Close() error
		}
	}{
		{"redis", rb},
		{"nats", nb},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer tt.bus.Close()

			if !tt.bus.Degraded() {
				t.Fatal("bus reports healthy with no broker")
			}
			sub := tt.bus.Subscribe(events.EventEntryActivated)
			tt.bus.Publish(events.EventEntryActivated, events.Payload{"index": 1})

			select {
			case got := <-sub:
				if got["index"] != 1 {
					t.Fatalf("payload = %v", got)
				}
			case <-time.After(time.Second):
				t.Fatal("local subscriber got nothing")
			}
			tt.bus.Unsubscribe(events.EventEntryActivated, sub)
		})
	}
}
