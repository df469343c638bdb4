package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nugget/statebridge/internal/usage"
)

// UsageReporter answers token usage queries. *usage.Store satisfies it.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// SetUsage attaches the usage ledger to /v1/usage.
func (s *Server) SetUsage(u UsageReporter) {
	s.usage = u
}

// handleUsage reports token totals over a trailing window, given as a
// Go duration in ?window= (default 24h).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "usage ledger not enabled")
		return
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "window must be a positive duration such as 24h")
			return
		}
		window = d
	}

	end := time.Now()
	start := end.Add(-window)
	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "failed to query usage")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "failed to query usage")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"window":   window.String(),
		"start":    start.UTC(),
		"end":      end.UTC(),
		"total":    total,
		"by_model": byModel,
	}, s.logger)
}
