/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package content parses timeline documents and watches the places they
// are published from.
package content

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/friendsincode/tiletimeline/internal/clock"
	"github.com/friendsincode/tiletimeline/internal/timeline"
)

// Document formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrMissingTile       = errors.New("document has no tile id")
	ErrInvalidDocument   = errors.New("invalid timeline document")
)

// Document is the on-disk form of a tile timeline.
//
//	tile: weather
//	entries:
//	  - payload: {text: "Mostly sunny"}
//	  - payload: "Storm warning"
//	    validity:
//	      start: 2026-10-19T10:00:00Z
//	      end: 1760875200000
//
// Instants are RFC 3339 timestamps or epoch milliseconds. An entry without
// validity is a default; a validity without end never expires.
type Document struct {
	Tile    string  `yaml:"tile" json:"tile"`
	Entries []Entry `yaml:"entries" json:"entries"`
}

// Entry is one document entry.
type Entry struct {
	Payload  any       `yaml:"payload" json:"payload"`
	Validity *Validity `yaml:"validity,omitempty" json:"validity,omitempty"`
}

// Validity bounds an entry. A nil End means forever.
type Validity struct {
	Start Instant  `yaml:"start" json:"start"`
	End   *Instant `yaml:"end,omitempty" json:"end,omitempty"`
}

// Instant is an epoch millisecond parsed from either notation.
type Instant uint64

// UnmarshalYAML accepts integers, RFC 3339 timestamps and "forever".
func (in *Instant) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: instant must be a scalar", node.Line)
	}
	ms, err := ParseInstant(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*in = Instant(ms)
	return nil
}

// MarshalJSON renders the instant as RFC 3339, or "forever".
func (in Instant) MarshalJSON() ([]byte, error) {
	if uint64(in) == timeline.Forever {
		return []byte(`"forever"`), nil
	}
	return json.Marshal(clock.ToTime(uint64(in)).Format(time.RFC3339Nano))
}

// ParseInstant reads an instant written as epoch millis, RFC 3339 or
// "forever".
func ParseInstant(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "forever") {
		return timeline.Forever, nil
	}
	if ms, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0, fmt.Errorf("instant %q is neither epoch millis nor RFC 3339", raw)
	}
	if t.Before(time.UnixMilli(0)) {
		return 0, fmt.Errorf("instant %q is before the epoch", raw)
	}
	return clock.FromTime(t), nil
}

// FormatFor maps a file name to its document format.
func FormatFor(name string) (string, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json":
		return FormatJSON, true
	default:
		return "", false
	}
}

// DetectFormat guesses the format of raw document bytes.
func DetectFormat(data []byte) string {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// Parse decodes a document. An empty format is detected from the content.
// JSON documents go through the YAML decoder, which accepts them unchanged.
func Parse(data []byte, format string) (*Document, error) {
	switch format {
	case "":
		format = DetectFormat(data)
	case FormatYAML, FormatJSON:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidDocument, format, err)
	}
	doc.Tile = strings.TrimSpace(doc.Tile)
	return &doc, nil
}

// Timeline converts the document into timeline entries. String payloads are
// passed as raw bytes; anything else is encoded as JSON.
func (d *Document) Timeline() (timeline.Timeline, error) {
	tl := make(timeline.Timeline, 0, len(d.Entries))
	for i, e := range d.Entries {
		payload, err := encodePayload(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entry := timeline.Entry{Payload: payload}
		if v := e.Validity; v != nil {
			end := timeline.Forever
			if v.End != nil {
				end = uint64(*v.End)
			}
			iv := timeline.Interval(uint64(v.Start), end)
			entry.Validity = &iv
		}
		tl = append(tl, entry)
	}
	return tl, nil
}

// Index builds the validated index for the document.
func (d *Document) Index() (*timeline.Index, error) {
	tl, err := d.Timeline()
	if err != nil {
		return nil, err
	}
	return timeline.Build(tl)
}

// Validate checks that the document names a tile and builds.
func (d *Document) Validate() error {
	if d.Tile == "" {
		return ErrMissingTile
	}
	_, err := d.Index()
	return err
}

// Checksum is the hex SHA-256 of raw document bytes.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encodePayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(p), nil
	default:
		out, err := json.Marshal(normalize(v))
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return out, nil
	}
}

// normalize turns YAML maps with non-string keys into JSON encodable maps.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
