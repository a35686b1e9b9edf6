/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the tile timeline HTTP API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/auth"
	"github.com/friendsincode/tiletimeline/internal/clock"
	"github.com/friendsincode/tiletimeline/internal/content"
	"github.com/friendsincode/tiletimeline/internal/events"
	"github.com/friendsincode/tiletimeline/internal/executor"
	"github.com/friendsincode/tiletimeline/internal/logbuffer"
	"github.com/friendsincode/tiletimeline/internal/scheduler/state"
	"github.com/friendsincode/tiletimeline/internal/store"
	"github.com/friendsincode/tiletimeline/internal/tiles"
	"github.com/friendsincode/tiletimeline/internal/timeline"
)

// maxDocumentBytes bounds uploaded timeline documents.
const maxDocumentBytes = 1 << 20

// Config wires the API to its services.
type Config struct {
	Store     *store.Store
	Tiles     *tiles.Service
	Pool      *executor.Pool
	History   *state.Store
	Bus       events.Broker
	Clock     clock.Clock
	JWTSecret []byte
	Logs      *logbuffer.Buffer // optional
	Logger    zerolog.Logger
}

// API exposes HTTP handlers.
type API struct {
	store     *store.Store
	tiles     *tiles.Service
	pool      *executor.Pool
	history   *state.Store
	bus       events.Broker
	clock     clock.Clock
	jwtSecret []byte
	logs      *logbuffer.Buffer
	logger    zerolog.Logger
}

// New creates the API router wrapper.
func New(cfg Config) *API {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &API{
		store:     cfg.Store,
		tiles:     cfg.Tiles,
		pool:      cfg.Pool,
		history:   cfg.History,
		bus:       cfg.Bus,
		clock:     cfg.Clock,
		jwtSecret: cfg.JWTSecret,
		logs:      cfg.Logs,
		logger:    cfg.Logger.With().Str("component", "api").Logger(),
	}
}

// Routes registers API routes on r.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.Middleware(a.jwtSecret))
			read := auth.RequireScope(auth.ScopeRead)
			write := auth.RequireScope(auth.ScopeWrite)

			pr.With(read).Get("/events", a.handleEvents)
			if a.logs != nil {
				pr.With(write).Get("/logs", a.handleLogs)
			}

			pr.Route("/tiles", func(r chi.Router) {
				r.With(read).Get("/", a.handleTilesList)

				r.Route("/{tileID}", func(r chi.Router) {
					r.With(read).Get("/timeline", a.handleTimelineGet)
					r.With(read).Get("/versions", a.handleVersionsList)
					r.With(read).Get("/active", a.handleActiveGet)
					r.With(read).Get("/preview", a.handlePreview)
					r.With(read).Get("/history", a.handleHistory)

					r.With(write).Put("/timeline", a.handleTimelinePut)
					r.With(write).Delete("/", a.handleTileDelete)
					r.With(write).Post("/refresh", a.handleRefresh)
					r.With(write).Post("/bind", a.handleBind)
					r.With(write).Delete("/bind", a.handleUnbind)
				})
			})
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(a.pool.ListSessions()),
	})
}

// writeServiceError maps service sentinels to HTTP responses.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, tileID string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "tile_not_found")
	case errors.Is(err, executor.ErrNotAssigned):
		owner, _ := a.pool.GetAssignment(tileID)
		writeJSON(w, http.StatusConflict, map[string]string{"error": "not_assigned", "owner": owner})
	case errors.Is(err, executor.ErrExecutorNotRunning):
		writeError(w, http.StatusNotFound, "session_not_running")
	case errors.Is(err, tiles.ErrTileMismatch):
		writeError(w, http.StatusBadRequest, "tile_mismatch")
	case errors.Is(err, content.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_format")
	case errors.Is(err, content.ErrInvalidDocument), errors.Is(err, content.ErrMissingTile):
		writeError(w, http.StatusBadRequest, "invalid_document")
	case errors.Is(err, timeline.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, "invalid_interval")
	default:
		a.logger.Error().Err(err).Str("tile_id", tileID).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func parseEventTypes(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]events.EventType, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, events.EventType(part))
	}
	return out
}

func parseList(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out[part] = true
		}
	}
	return out
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// instantJSON renders an epoch millisecond instant, or nil for forever.
func instantJSON(ms uint64) any {
	if ms == timeline.Forever {
		return nil
	}
	return clock.ToTime(ms).Format("2006-01-02T15:04:05.000Z07:00")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
