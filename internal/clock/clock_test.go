package clock

import (
	"testing"
	"time"
)

func TestFromTimeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 15, 9, 26, 535_000_000, time.UTC)
	ms := FromTime(ts)
	if ms != uint64(ts.UnixMilli()) {
		t.Fatalf("FromTime = %d, want %d", ms, ts.UnixMilli())
	}
	if got := ToTime(ms); !got.Equal(ts) {
		t.Fatalf("ToTime = %v, want %v", got, ts)
	}
}

func TestFromTimeClampsPreEpoch(t *testing.T) {
	if got := FromTime(time.Unix(-10, 0)); got != 0 {
		t.Fatalf("FromTime before epoch = %d, want 0", got)
	}
}

func TestFake(t *testing.T) {
	f := NewFake(1000)
	if got := f.NowMillis(); got != 1000 {
		t.Fatalf("NowMillis = %d, want 1000", got)
	}
	if got := f.Advance(2 * time.Second); got != 3000 {
		t.Fatalf("Advance = %d, want 3000", got)
	}
	f.Set(500)
	if got := f.NowMillis(); got != 500 {
		t.Fatalf("after Set NowMillis = %d, want 500", got)
	}
}

func TestSystemIsCloseToNow(t *testing.T) {
	before := FromTime(time.Now())
	got := System{}.NowMillis()
	after := FromTime(time.Now())
	if got < before || got > after {
		t.Fatalf("System.NowMillis = %d, want within [%d, %d]", got, before, after)
	}
}
