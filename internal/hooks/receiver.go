package hooks

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-monitor/internal/events"
	"github.com/asheshgoplani/agent-monitor/internal/logging"
	"github.com/asheshgoplani/agent-monitor/internal/monitor"
	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
	"github.com/asheshgoplani/agent-monitor/internal/store"
)

var hookLog = logging.ForComponent(logging.CompHooks)

// Transitioner is the monitor's shared transition handler.
type Transitioner interface {
	HandleTransition(ctx context.Context, p monitor.Proposal) (monitor.Outcome, error)
}

// Stats are the receiver's counters.
type Stats struct {
	Events       map[string]int64 `json:"events"`
	Correlated   int64            `json:"correlated"`
	Created      int64            `json:"agents_created"`
	Transitions  int64            `json:"transitions"`
	Ignored      int64            `json:"ignored"`
	Errors       int64            `json:"errors"`
	Sessions     int              `json:"sessions"`
	LastActivity *time.Time       `json:"last_activity,omitempty"`
}

// Receiver turns hook events into proposals. mu guards the session map,
// the counters and the last-event time; it is never held while calling the
// monitor.
type Receiver struct {
	store *store.Store
	mon   Transitioner
	emit  events.Emitter
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]string // external session id -> agent id
	stats    Stats
	last     time.Time
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

func WithEmitter(e events.Emitter) ReceiverOption { return func(r *Receiver) { r.emit = e } }

func WithClock(now func() time.Time) ReceiverOption { return func(r *Receiver) { r.now = now } }

func NewReceiver(st *store.Store, mon Transitioner, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		store:    st,
		mon:      mon,
		now:      time.Now,
		sessions: make(map[string]string),
		stats:    Stats{Events: make(map[string]int64)},
	}
	for _, o := range opts {
		o(r)
	}
	if r.emit == nil {
		r.emit = events.NewBus()
	}
	return r
}

// Process handles one event. It never returns an error: failures are
// logged and reported through Response.Status.
func (r *Receiver) Process(ctx context.Context, ev Event) Response {
	r.mu.Lock()
	r.last = r.now()
	r.stats.Events[string(ev.Type)]++
	r.mu.Unlock()

	if !ev.Type.Known() || ev.SessionID == "" {
		r.bump(func(s *Stats) { s.Ignored++ })
		hookLog.Debug("hook_ignored",
			slog.String("event", string(ev.Type)),
			slog.String("session_id", ev.SessionID))
		return Response{Status: StatusIgnored}
	}

	var resp Response
	switch ev.Type {
	case EventSessionEnd:
		r.mu.Lock()
		resp.AgentID = r.sessions[ev.SessionID]
		delete(r.sessions, ev.SessionID)
		r.mu.Unlock()
		resp.Status = StatusOK

	case EventNotification:
		r.mu.Lock()
		resp.AgentID = r.sessions[ev.SessionID]
		r.mu.Unlock()
		resp.Status = StatusOK
		hookLog.Info("hook_notification",
			slog.String("session_id", ev.SessionID),
			slog.String("agent_id", resp.AgentID),
			slog.String("type", ev.NotificationType),
			slog.String("message", ev.Message))

	case EventSessionStart:
		agent, err := r.correlateSession(ev.SessionID, ev.CWD)
		if err != nil {
			return r.fail(ev, err)
		}
		resp = Response{Status: StatusOK, AgentID: agent.ID, State: string(statemachine.Idle)}

	case EventStop:
		resp = r.propose(ctx, ev, statemachine.Idle)

	case EventUserPromptSubmit:
		resp = r.propose(ctx, ev, statemachine.Processing)
	}

	r.emit.Emit(events.HookReceived{
		Event:     string(ev.Type),
		SessionID: ev.SessionID,
		AgentID:   resp.AgentID,
	})
	return resp
}

// propose correlates ev and, unless the agent is already in target, hands
// the transition to the monitor.
func (r *Receiver) propose(ctx context.Context, ev Event, target statemachine.State) Response {
	agent, err := r.correlateSession(ev.SessionID, ev.CWD)
	if err != nil {
		return r.fail(ev, err)
	}
	resp := Response{Status: StatusOK, AgentID: agent.ID, State: string(agent.CachedState)}
	if agent.CachedState == target {
		return resp
	}

	out, err := r.mon.HandleTransition(ctx, monitor.Proposal{
		AgentID:    agent.ID,
		To:         target,
		Confidence: 1,
		Source:     monitor.SourceHook,
		Text:       ev.Prompt,
	})
	if err != nil {
		return r.fail(ev, err)
	}
	if out.Committed() {
		r.bump(func(s *Stats) { s.Transitions++ })
		resp.NewState = string(out.Steps[len(out.Steps)-1].To)
	}
	return resp
}

func (r *Receiver) fail(ev Event, err error) Response {
	r.bump(func(s *Stats) { s.Errors++ })
	hookLog.Warn("hook_failed",
		slog.String("event", string(ev.Type)),
		slog.String("session_id", ev.SessionID),
		slog.String("error", err.Error()))
	return Response{Status: StatusError}
}

// correlateSession maps an external session id onto an agent: a cached
// mapping first, then an exact match on the normalised cwd, and finally a
// new agent.
func (r *Receiver) correlateSession(externalID, cwd string) (store.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.sessions[externalID]; ok {
		a, err := r.store.GetAgent(id)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return store.Agent{}, err
		}
		delete(r.sessions, externalID)
	}

	path := store.NormalizePath(cwd)
	if a, ok := r.store.FindAgentByProjectPath(path); ok {
		r.sessions[externalID] = a.ID
		r.stats.Correlated++
		return a, nil
	}

	// A hook-created agent from an earlier run keeps its synthetic id.
	terminalID := store.HookSessionPrefix + externalID
	if a, ok := r.store.FindAgentBySession(terminalID); ok {
		r.sessions[externalID] = a.ID
		r.stats.Correlated++
		return a, nil
	}

	a, err := r.store.CreateAgent(store.Agent{
		TerminalSessionID: terminalID,
		SessionName:       sessionName(path, externalID),
		ProjectPath:       path,
		ProjectName:       sessionName(path, ""),
	})
	if err != nil {
		return store.Agent{}, err
	}
	r.sessions[externalID] = a.ID
	r.stats.Created++
	hookLog.Info("hook_correlation_created_agent",
		slog.String("agent_id", a.ID),
		slog.String("session_id", externalID),
		slog.String("project_path", path))
	r.emit.Emit(events.AgentRegistered{
		AgentID:     a.ID,
		SessionName: a.SessionName,
		ProjectPath: a.ProjectPath,
		Origin:      string(monitor.SourceHook),
	})
	return a, nil
}

func sessionName(path, fallback string) string {
	if path == "" || path == "/" {
		return fallback
	}
	return filepath.Base(path)
}

func (r *Receiver) bump(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}

// LastActivity is the time of the most recent event, zero before any.
func (r *Receiver) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// AgentFor returns the agent mapped to an external session id.
func (r *Receiver) AgentFor(externalID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sessions[externalID]
	return id, ok
}

func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	out.Events = make(map[string]int64, len(r.stats.Events))
	for k, v := range r.stats.Events {
		out.Events[k] = v
	}
	out.Sessions = len(r.sessions)
	if !r.last.IsZero() {
		t := r.last
		out.LastActivity = &t
	}
	return out
}
