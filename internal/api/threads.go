package api

import (
	"net/http"
	"strings"
)

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 20)

	threads, err := s.runner.Threads(r.Context(), limit)
	if err != nil {
		s.logger.Error("thread list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "failed to list threads")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":   len(threads),
		"threads": threads,
	}, s.logger)
}

// handleThreadGet returns the committed state of one thread. It waits for
// any running turn on that thread to finish.
func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "thread id required")
		return
	}

	st, err := s.runner.Inspect(r.Context(), id)
	if err != nil {
		s.logger.Error("thread inspect failed", "thread_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "failed to load thread")
		return
	}
	if len(st.Messages) == 0 {
		s.errorResponse(w, http.StatusNotFound, "not_found", "thread not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}
