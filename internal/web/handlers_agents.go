package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/agent-monitor/internal/monitor"
	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
	"github.com/asheshgoplani/agent-monitor/internal/store"
)

type agentView struct {
	store.Agent
	CurrentTask *store.Task `json:"current_task,omitempty"`
}

type agentsResponse struct {
	Agents []agentView `json:"agents"`
	Total  int         `json:"total"`
}

type sendRequest struct {
	Text  string `json:"text"`
	Enter *bool  `json:"enter,omitempty"`
}

type transitionOption struct {
	To       statemachine.State   `json:"to"`
	Trigger  statemachine.Trigger `json:"trigger"`
	HookOnly bool                 `json:"hook_only,omitempty"`
}

type transitionsResponse struct {
	TaskID string             `json:"task_id"`
	State  statemachine.State `json:"state"`
	Next   []transitionOption `json:"next"`
}

// agentNames adapts a slice of agents to fuzzy.Source.
type agentNames []store.Agent

func (a agentNames) String(i int) string { return a[i].SessionName }
func (a agentNames) Len() int            { return len(a) }

func (s *Server) view(a store.Agent) agentView {
	v := agentView{Agent: a}
	if t, ok, err := s.cfg.Store.GetCurrentTask(a.ID); err == nil && ok {
		v.CurrentTask = &t
	}
	return v
}

// handleListAgents returns every agent, or with ?q= the fuzzy matches on
// session name, best first.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.cfg.Store.ListAgents()
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		matches := fuzzy.FindFrom(q, agentNames(agents))
		filtered := make([]store.Agent, 0, len(matches))
		for _, m := range matches {
			filtered = append(filtered, agents[m.Index])
		}
		agents = filtered
	}
	resp := agentsResponse{Agents: make([]agentView, 0, len(agents)), Total: len(agents)}
	for _, a := range agents {
		resp.Agents = append(resp.Agents, s.view(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.cfg.Store.GetAgent(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(a))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Operator == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", "monitor is not running")
		return
	}
	if err := s.cfg.Operator.RemoveAgent(chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.cfg.Store.ListTasks(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Operator == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", "monitor is not running")
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "text is required")
		return
	}
	enter := req.Enter == nil || *req.Enter
	if err := s.cfg.Operator.SendText(r.Context(), chi.URLParam(r, "id"), req.Text, enter); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Operator == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", "monitor is not running")
		return
	}
	if err := s.cfg.Operator.Focus(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.Store.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskTurns(w http.ResponseWriter, r *http.Request) {
	turns, err := s.cfg.Store.ListTurns(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// handleTaskTransitions lists the moves available from the task's current
// state.
func (s *Server) handleTaskTransitions(w http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.Store.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := transitionsResponse{TaskID: t.ID, State: t.State, Next: []transitionOption{}}
	for _, to := range statemachine.ValidTransitions(&t) {
		trig, err := statemachine.RequiredTrigger(t.State, to)
		if err != nil {
			continue
		}
		resp.Next = append(resp.Next, transitionOption{To: to, Trigger: trig, HookOnly: trig.Authoritative()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, monitor.ErrBackendUnavailable):
		writeAPIError(w, http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", err.Error())
	case errors.Is(err, monitor.ErrNoTerminal):
		writeAPIError(w, http.StatusConflict, "NO_TERMINAL", err.Error())
	default:
		webLog.Error("request_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}
