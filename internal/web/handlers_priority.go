package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/asheshgoplani/agent-monitor/internal/priority"
)

type prioritiesResponse struct {
	Priorities []priority.Score `json:"priorities"`
	ComputedAt *time.Time       `json:"computed_at,omitempty"`
	Stale      bool             `json:"stale"`
}

// handlePriorities recomputes the ranking when it was invalidated since the
// last read.
func (s *Server) handlePriorities(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Priority == nil {
		writeJSON(w, http.StatusOK, prioritiesResponse{Priorities: []priority.Score{}})
		return
	}
	scores, err := s.cfg.Priority.Scores(r.Context())
	if err != nil {
		webLog.Warn("priorities_failed", slog.String("error", err.Error()))
	}
	if scores == nil {
		scores = []priority.Score{}
	}
	resp := prioritiesResponse{Priorities: scores, Stale: s.cfg.Priority.Stale()}
	if at := s.cfg.Priority.ComputedAt(); !at.IsZero() {
		resp.ComputedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}
