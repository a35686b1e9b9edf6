package sink

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/events"
	"github.com/friendsincode/tiletimeline/internal/scheduler"
)

func TestFanoutForwardsToSinksAndListeners(t *testing.T) {
	var got []int
	first := scheduler.SinkFunc(func(index int, _ []byte) { got = append(got, index) })
	second := scheduler.SinkFunc(func(index int, _ []byte) { got = append(got, index*10) })

	f := NewFanout("weather", first, nil, second)

	var seen []Activation
	f.Listen("ws-1", nil, func(a Activation) { seen = append(seen, a) })

	f.OnEntryActivated(2, []byte("rain"))

	if len(got) != 2 || got[0] != 2 || got[1] != 20 {
		t.Fatalf("sinks saw %v, want [2 20]", got)
	}
	if len(seen) != 1 || seen[0].TileID != "weather" || string(seen[0].Payload) != "rain" {
		t.Fatalf("listener saw %+v", seen)
	}

	if !f.Unlisten("ws-1") {
		t.Fatal("expected listener to be removed")
	}
	f.OnEntryActivated(3, nil)
	if len(seen) != 1 {
		t.Fatalf("removed listener still notified: %+v", seen)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	NewLog("news", zerolog.New(&buf)).OnEntryActivated(1, []byte("hello"))

	out := buf.String()
	for _, want := range []string{`"tile_id":"news"`, `"entry_index":1`, `"payload_bytes":5`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %s missing %s", out, want)
		}
	}
}

func TestEventsSinkPublishes(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.EventEntryActivated)

	NewEvents("news", "i1", bus).OnEntryActivated(4, []byte("headline"))

	select {
	case payload := <-sub:
		if payload["tile_id"] != "news" || payload["entry_index"] != 4 || payload["payload"] != "headline" {
			t.Fatalf("unexpected payload: %v", payload)
		}
		if payload["instance_id"] != "i1" {
			t.Fatalf("instance_id = %v", payload["instance_id"])
		}
	default:
		t.Fatal("activation not published")
	}
}

func TestActivationPayloadEncodesBinary(t *testing.T) {
	p := ActivationPayload("t", "i", 0, []byte{0xff, 0xfe})
	if _, ok := p["payload"]; ok {
		t.Fatal("binary payload should not be carried as text")
	}
	if p["payload_base64"] != "//4=" {
		t.Fatalf("payload_base64 = %v", p["payload_base64"])
	}
}

func TestEventsSinkWithoutBus(t *testing.T) {
	NewEvents("news", "i1", nil).OnEntryActivated(0, []byte("x"))
}
