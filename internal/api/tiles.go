/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/tiletimeline/internal/content"
	"github.com/friendsincode/tiletimeline/internal/executor"
	"github.com/friendsincode/tiletimeline/internal/models"
	"github.com/friendsincode/tiletimeline/internal/store"
	"github.com/friendsincode/tiletimeline/internal/timeline"
)

const (
	defaultPreviewWindow = 24 * time.Hour
	defaultHistoryLimit  = 50
)

// Tile API handlers

func (a *API) handleTilesList(w http.ResponseWriter, r *http.Request) {
	ids, err := a.store.ListTileIDs(r.Context())
	if err != nil {
		a.writeServiceError(w, r, "", err)
		return
	}

	result := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		rec, err := a.store.Latest(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			a.writeServiceError(w, r, id, err)
			return
		}
		item := serializeRecord(rec)
		owner, _ := a.pool.GetAssignment(id)
		item["owner"] = owner
		_, sessErr := a.pool.Session(id)
		item["running"] = sessErr == nil
		result = append(result, item)
	}

	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleTimelineGet(w http.ResponseWriter, r *http.Request) {
	tileID := chi.URLParam(r, "tileID")

	var (
		rec models.TileTimeline
		err error
	)
	if raw := r.URL.Query().Get("version"); raw != "" {
		version, convErr := strconv.Atoi(raw)
		if convErr != nil || version < 1 {
			writeError(w, http.StatusBadRequest, "invalid_version")
			return
		}
		rec, err = a.store.Version(r.Context(), tileID, version)
	} else {
		rec, err = a.store.Latest(r.Context(), tileID)
	}
	if err != nil {
		a.writeServiceError(w, r, tileID, err)
		return
	}

	etag := `"` + rec.Checksum + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Timeline-Version", strconv.Itoa(rec.Version))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(rec.Format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Document)
}

func (a *API) handleTimelinePut(w http.ResponseWriter, r *http.Request) {
	tileID := chi.URLParam(r, "tileID")

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "document_too_large")
			return
		}
		writeError(w, http.StatusBadRequest, "read_failed")
		return
	}
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "empty_document")
		return
	}

	rec, err := a.tiles.Put(r.Context(), tileID, raw, formatFromRequest(r))
	if err != nil {
		a.writeServiceError(w, r, tileID, err)
		return
	}

	a.logger.Info().Str("tile_id", tileID).Int("version", rec.Version).Msg("timeline published")
	writeJSON(w, http.StatusOK, serializeRecord(rec))
}

func (a *API) handleVersionsList(w http.ResponseWriter, r *http.Request) {
	tileID := chi.URLParam(r, "tileID")
	versions, err := a.store.Versions(r.Context(), tileID)
	if err != nil {
		a.writeServiceError(w, r, tileID, err)
		return
	}
	if len(versions) == 0 {
		writeError(w, http.StatusNotFound, "tile_not_found")
		return
	}

	result := make([]map[string]any, len(versions))
	for i, rec := range versions {
		result[i] = serializeRecord(rec)
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleActiveGet(w http.ResponseWriter, r *http.Request) {
	tileID := chi.URLParam(r, "tileID")
	exec, err := a.session(tileID)
	if err != nil {
		a.writeServiceError(w, r, tileID, err)
		return
	}

	view, err := exec.Snapshot(r.Context())
	if err != nil {
		a.writeServiceError(w, r, tileID, err)
		return
	}

	var lastChange any
	if view.HasChanged {
		lastChange = instantJSON(view.LastChangeMillis)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tile_id":       view.TileID,
		"phase":         view.PhaseName,
		"current_index": view.CurrentIndex,
		"has_changed":   view.HasChanged,
		"last_change":   lastChange,
		"next_wake":     instantJSON(view.NextWakeMillis),
		"entries":       view.Entries,
		"payload":       view.Payload,
	})
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	tileID := chi.URLParam(r, "tileID")
	query := r.URL.Query()

	from := a.clock.NowMillis()
	if raw := query.Get("from"); raw != "" {
		v, err := content.ParseInstant(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from")
			return
		}
		from = v
	}
	to := from + uint64(defaultPreviewWindow.Milliseconds())
	if raw := query.Get("to"); raw != "" {
		v, err := content.ParseInstant(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to")
			return
		}
		to = v
	}
	if to <= from {
		writeError(w, http.StatusBadRequest, "invalid_range")
		return
	}

	ix, err := a.indexOf(r, tileID)
	if err != nil {
		a.writeServiceError(w, r, tileID, err)
		return
	}

	transitions := ix.Transitions(from, to)
	result := make([]map[string]any, len(transitions))
	for i, tr := range transitions {
		item := map[string]any{
			"at":        instantJSON(tr.AtMillis),
			"at_millis": tr.AtMillis,
			"index":     tr.Index,
		}
		if tr.Index >= 0 {
			item["payload"] = executor.PayloadJSON(ix.Entry(tr.Index).Payload)
		}
		result[i] = item
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tile_id":     tileID,
		"from":        instantJSON(from),
		"to":          instantJSON(to),
		"transitions": result,
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	tileID := chi.URLParam(r, "tileID")
	limit, ok := queryInt(r, "limit", defaultHistoryLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_limit")
		return
	}
	if a.history == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, a.history.Recent(tileID, limit))
}

func (a *API) handleTileDelete(w http.ResponseWriter, r *http.Request) {
	tileID := chi.URLParam(r, "tileID")
	if err := a.tiles.DeleteTile(r.Context(), tileID, models.SourceAPI); err != nil {
		a.writeServiceError(w, r, tileID, err)
		return
	}
	a.logger.Info().Str("tile_id", tileID).Msg("tile deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	tileID := chi.URLParam(r, "tileID")
	if _, err := a.session(tileID); err != nil {
		a.writeServiceError(w, r, tileID, err)
		return
	}
	if err := a.pool.Refresh(r.Context(), tileID); err != nil {
		a.writeServiceError(w, r, tileID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleBind(w http.ResponseWriter, r *http.Request) {
	tileID := chi.URLParam(r, "tileID")
	if _, err := a.pool.Bind(r.Context(), tileID); err != nil {
		a.writeServiceError(w, r, tileID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tile_id":  tileID,
		"bindings": a.pool.Bindings(tileID),
	})
}

func (a *API) handleUnbind(w http.ResponseWriter, r *http.Request) {
	tileID := chi.URLParam(r, "tileID")
	if err := a.pool.Unbind(tileID); err != nil {
		a.writeServiceError(w, r, tileID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tile_id":  tileID,
		"bindings": a.pool.Bindings(tileID),
	})
}

// session returns the running session for tileID, reporting tiles owned by
// another instance as not assigned.
func (a *API) session(tileID string) (*executor.Executor, error) {
	exec, err := a.pool.Session(tileID)
	if err == nil {
		return exec, nil
	}
	if owner, _ := a.pool.GetAssignment(tileID); owner != "" && owner != a.pool.InstanceID() {
		return nil, executor.ErrNotAssigned
	}
	return nil, err
}

// indexOf prefers the index a running session drives over the stored one.
func (a *API) indexOf(r *http.Request, tileID string) (*timeline.Index, error) {
	if exec, err := a.pool.Session(tileID); err == nil {
		if ix, err := exec.Timeline(r.Context()); err == nil {
			return ix, nil
		}
	}
	return a.store.LoadIndex(r.Context(), tileID)
}

func serializeRecord(rec models.TileTimeline) map[string]any {
	return map[string]any{
		"tile_id":    rec.TileID,
		"version":    rec.Version,
		"source":     rec.Source,
		"format":     rec.Format,
		"checksum":   rec.Checksum,
		"entries":    rec.EntryCount,
		"created_at": rec.CreatedAt,
	}
}

// formatFromRequest picks the document format from ?format or the content
// type. Anything unrecognised is detected from the body.
func formatFromRequest(r *http.Request) string {
	if f := r.URL.Query().Get("format"); f != "" {
		return f
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	switch mediaType {
	case "application/json":
		return content.FormatJSON
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return content.FormatYAML
	default:
		return ""
	}
}

func contentTypeFor(format string) string {
	if format == content.FormatJSON {
		return "application/json"
	}
	return "application/yaml"
}
