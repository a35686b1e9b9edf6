package api

import (
	"net/http"
	"time"

	"github.com/friendsincode/tiletimeline/internal/logbuffer"
)

// handleLogs returns recent log lines, newest first.
func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, ok := queryInt(r, "limit", 200)
	if !ok || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_limit")
		return
	}

	params := logbuffer.QueryParams{
		Level:      q.Get("level"),
		Component:  q.Get("component"),
		TileID:     q.Get("tile"),
		Search:     q.Get("q"),
		Limit:      limit,
		Descending: true,
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since")
			return
		}
		params.Since = since
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": a.logs.Query(params),
		"stats":   a.logs.Stats(),
	})
}
