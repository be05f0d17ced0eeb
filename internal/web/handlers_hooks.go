package web

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/asheshgoplani/agent-monitor/internal/hooks"
)

const maxHookBody = 1 << 20

// handleHook always answers 200 so a misbehaving monitor never blocks the
// agent's hook chain.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	event := chi.URLParam(r, "event")
	if s.cfg.Hooks == nil {
		writeJSON(w, http.StatusOK, hooks.Response{Status: hooks.StatusIgnored})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody))
	if err != nil {
		webLog.Debug("hook_body_unreadable", slog.String("event", event), slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, hooks.Response{Status: hooks.StatusIgnored})
		return
	}
	ev, err := hooks.DecodeEvent(event, body)
	if err != nil {
		webLog.Debug("hook_payload_malformed", slog.String("event", event), slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, hooks.Response{Status: hooks.StatusIgnored})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Hooks.Process(r.Context(), ev))
}

func (s *Server) handleHookStatus(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Hooks == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": true,
		"stats":   s.cfg.Hooks.Stats(),
	})
}
