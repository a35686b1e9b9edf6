/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/friendsincode/tiletimeline/internal/events"
	"github.com/friendsincode/tiletimeline/internal/telemetry"
)

const wsPingInterval = 15 * time.Second

type wsEvent struct {
	Type    events.EventType
	Payload events.Payload
}

// handleEvents streams bus events over a websocket. ?types= selects event
// types and ?tiles= restricts the stream to the listed tiles.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	eventTypes := parseEventTypes(r.URL.Query().Get("types"))
	if len(eventTypes) == 0 {
		eventTypes = []events.EventType{events.EventEntryActivated, events.EventTimelineUpdated}
	}
	for _, et := range eventTypes {
		if !knownEventType(et) {
			writeError(w, http.StatusBadRequest, "unknown_event_type")
			return
		}
	}
	tileFilter := parseList(r.URL.Query().Get("tiles"))

	// Subscribe before the upgrade so nothing published after the handshake
	// is missed.
	subscribers := make([]events.Subscriber, len(eventTypes))
	for i, eventType := range eventTypes {
		subscribers[i] = a.bus.Subscribe(eventType)
	}
	defer func() {
		for i, eventType := range eventTypes {
			a.bus.Unsubscribe(eventType, subscribers[i])
		}
	}()

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.APIWebSocketConnections.Inc()
	defer telemetry.APIWebSocketConnections.Dec()

	// Clients only listen; CloseRead handles their close frames.
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))

	out := make(chan wsEvent, 16)
	var wg sync.WaitGroup
	for i, sub := range subscribers {
		wg.Add(1)
		go func(eventType events.EventType, sub events.Subscriber) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-sub:
					if !ok {
						return
					}
					select {
					case out <- wsEvent{Type: eventType, Payload: payload}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(eventTypes[i], sub)
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"ping"}`)); err != nil {
				a.logger.Debug().Err(err).Msg("websocket ping failed")
				conn.Close(ws.StatusInternalError, "write failed")
				return
			}
		case ev := <-out:
			if tileFilter != nil {
				tileID, _ := ev.Payload["tile_id"].(string)
				if !tileFilter[tileID] {
					continue
				}
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				a.logger.Debug().Err(err).Msg("websocket write failed")
				conn.Close(ws.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *ws.Conn, ev wsEvent) error {
	data, err := json.Marshal(map[string]any{
		"type":    ev.Type,
		"payload": ev.Payload,
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, data)
}

func knownEventType(et events.EventType) bool {
	for _, known := range events.AllTypes {
		if et == known {
			return true
		}
	}
	return false
}
