package content

import (
	"errors"
	"testing"
	"time"

	"github.com/friendsincode/tiletimeline/internal/clock"
	"github.com/friendsincode/tiletimeline/internal/timeline"
)

const weatherYAML = `
tile: weather
entries:
  - payload: {text: "Mostly sunny", icon: sun}
  - payload: "Storm warning"
    validity:
      start: 2026-10-19T10:00:00Z
      end: 2026-10-19T12:00:00Z
  - payload: "Evening"
    validity:
      start: 1760896800000
`

func TestParseYAML(t *testing.T) {
	doc, err := Parse([]byte(weatherYAML), "")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Tile != "weather" || len(doc.Entries) != 3 {
		t.Fatalf("unexpected document: %+v", doc)
	}

	tl, err := doc.Timeline()
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}

	if !tl[0].IsDefault() {
		t.Fatal("entry without validity should be the default")
	}
	if got := string(tl[0].Payload); got != `{"icon":"sun","text":"Mostly sunny"}` {
		t.Fatalf("map payload encoded as %s", got)
	}
	if got := string(tl[1].Payload); got != "Storm warning" {
		t.Fatalf("string payload encoded as %q", got)
	}

	start := clock.FromTime(time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))
	end := clock.FromTime(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))
	if *tl[1].Validity != timeline.Interval(start, end) {
		t.Fatalf("validity = %v, want [%d, %d)", *tl[1].Validity, start, end)
	}
	if tl[2].Validity.StartMillis != 1760896800000 || tl[2].Validity.EndMillis != timeline.Forever {
		t.Fatalf("open-ended validity = %v", *tl[2].Validity)
	}

	ix, err := doc.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if got, _ := ix.FindActiveEntry(start + 1); got != 1 {
		t.Fatalf("active at storm = %d, want 1", got)
	}
}

func TestParseJSON(t *testing.T) {
	raw := []byte(`{"tile":"news","entries":[{"payload":{"headline":"hi"},"validity":{"start":"1000","end":2000}}]}`)
	if DetectFormat(raw) != FormatJSON {
		t.Fatal("JSON document not detected")
	}
	doc, err := Parse(raw, FormatJSON)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tl, err := doc.Timeline()
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if *tl[0].Validity != timeline.Interval(1000, 2000) {
		t.Fatalf("validity = %v", *tl[0].Validity)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		format string
		want   error
	}{
		{name: "unknown format", raw: "tile: x", format: "toml", want: ErrUnsupportedFormat},
		{name: "unknown field", raw: "tile: x\ncolour: red\n"},
		{name: "bad instant", raw: "tile: x\nentries:\n  - validity: {start: yesterday}\n"},
		{name: "pre-epoch instant", raw: "tile: x\nentries:\n  - validity: {start: 1960-01-01T00:00:00Z}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw), tt.format)
			if err == nil {
				t.Fatal("expected Parse to fail")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	inverted, err := Parse([]byte("tile: x\nentries:\n  - validity: {start: 2000, end: 1000}\n"), FormatYAML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := inverted.Validate(); !errors.Is(err, timeline.ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}

	anonymous := &Document{}
	if err := anonymous.Validate(); !errors.Is(err, ErrMissingTile) {
		t.Fatalf("expected ErrMissingTile, got %v", err)
	}
}

func TestNewRevisionTileFromFileName(t *testing.T) {
	rev, err := NewRevision("file", "timelines/traffic.yml", []byte("entries:\n  - payload: jam\n"))
	if err != nil {
		t.Fatalf("NewRevision: %v", err)
	}
	if rev.TileID != "traffic" || rev.Format != FormatYAML {
		t.Fatalf("unexpected revision: tile=%q format=%q", rev.TileID, rev.Format)
	}
	if len(Checksum(rev.Raw)) != 64 {
		t.Fatal("checksum is not hex sha256")
	}
}
