package web

import (
	"net/http"
	"strconv"
)

// apiHistory returns the most recent job records, newest first. limit
// defaults to 50 and is capped at 500.
func (s *Server) apiHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	if s.deps.Jobs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	items, err := s.deps.Jobs.ListHistory(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read job history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
