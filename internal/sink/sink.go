/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sink provides the render sinks a tile session commits entries to.
package sink

import (
	"encoding/base64"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/events"
	"github.com/friendsincode/tiletimeline/internal/scheduler"
)

// Activation is one committed entry change.
type Activation struct {
	TileID  string
	Index   int
	Payload []byte
}

// Fanout forwards every activation to a fixed set of sinks and to any
// listeners registered at runtime.
type Fanout struct {
	tileID    string
	sinks     []scheduler.RenderSink
	listeners events.Listeners[Activation]
}

// NewFanout creates a fanout over sinks. Nil sinks are skipped.
func NewFanout(tileID string, sinks ...scheduler.RenderSink) *Fanout {
	f := &Fanout{tileID: tileID}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Listen registers fn under id. Callbacks run through dispatch, or on the
// session goroutine when dispatch is nil, so they must not block.
func (f *Fanout) Listen(id string, dispatch events.Dispatcher, fn func(Activation)) {
	f.listeners.Add(id, dispatch, fn)
}

// Unlisten removes the listener registered under id.
func (f *Fanout) Unlisten(id string) bool {
	return f.listeners.Remove(id)
}

// OnEntryActivated implements scheduler.RenderSink.
func (f *Fanout) OnEntryActivated(index int, payload []byte) {
	for _, s := range f.sinks {
		s.OnEntryActivated(index, payload)
	}
	if f.listeners.Len() > 0 {
		f.listeners.Notify(Activation{TileID: f.tileID, Index: index, Payload: payload})
	}
}

// Log writes activations to a logger.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a logging sink for tileID.
func NewLog(tileID string, logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "render_sink").Str("tile_id", tileID).Logger()}
}

// OnEntryActivated implements scheduler.RenderSink.
func (l *Log) OnEntryActivated(index int, payload []byte) {
	l.logger.Info().
		Int("entry_index", index).
		Int("payload_bytes", len(payload)).
		Msg("tile entry rendered")
}

// Events publishes activations as tile.entry_activated events.
type Events struct {
	tileID     string
	instanceID string
	bus        events.Broker
}

// NewEvents creates a sink publishing to bus.
func NewEvents(tileID, instanceID string, bus events.Broker) *Events {
	return &Events{tileID: tileID, instanceID: instanceID, bus: bus}
}

// OnEntryActivated implements scheduler.RenderSink.
func (e *Events) OnEntryActivated(index int, payload []byte) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.EventEntryActivated, ActivationPayload(e.tileID, e.instanceID, index, payload))
}

// ActivationPayload builds the event payload for an activation. Text
// payloads are carried as strings, anything else base64 encoded.
func ActivationPayload(tileID, instanceID string, index int, payload []byte) events.Payload {
	p := events.Payload{
		"tile_id":     tileID,
		"entry_index": index,
		"instance_id": instanceID,
	}
	if utf8.Valid(payload) {
		p["payload"] = string(payload)
	} else {
		p["payload_base64"] = base64.StdEncoding.EncodeToString(payload)
	}
	return p
}
