package monitor

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/agent-monitor/internal/events"
	"github.com/asheshgoplani/agent-monitor/internal/logging"
	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
	"github.com/asheshgoplani/agent-monitor/internal/store"
	"github.com/asheshgoplani/agent-monitor/internal/terminal"
)

// turnTailLines is how much of the pane becomes turn text on poll-driven
// transitions.
const turnTailLines = 15

// PollReport summarises one sweep.
type PollReport struct {
	Available bool
	Sessions  int
	Captured  int
	Failed    int
	Proposed  int
	Committed int
}

// PollAgents runs one sweep over the backend's agent sessions. A failing
// session is skipped; it never aborts the sweep.
func (m *Monitor) PollAgents(ctx context.Context) PollReport {
	start := m.now()
	var rep PollReport
	defer func() { m.metrics.poll(rep, m.now().Sub(start)) }()

	if !m.backend.IsAvailable(ctx) {
		logging.Aggregate(logging.CompMonitor, "backend_unavailable",
			slog.String("backend", m.backend.Name()))
		return rep
	}
	rep.Available = true

	sessions, err := m.backend.ListSessions(ctx)
	if err != nil {
		if errors.Is(err, terminal.ErrUnavailable) {
			rep.Available = false
			logging.Aggregate(logging.CompMonitor, "backend_unavailable",
				slog.String("backend", m.backend.Name()))
			return rep
		}
		monLog.Warn("list_sessions_failed", slog.String("error", err.Error()))
		return rep
	}

	seen := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		if !strings.HasPrefix(s.Name, m.cfg.SessionPrefix) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		seen[s.ID] = true
		rep.Sessions++
		m.pollSession(ctx, s, &rep)
	}
	if ctx.Err() == nil {
		m.dropSnapshots(seen)
	}
	return rep
}

func (m *Monitor) pollSession(ctx context.Context, s terminal.SessionInfo, rep *PollReport) {
	agent, err := m.resolveAgent(s)
	if err != nil {
		rep.Failed++
		monLog.Warn("agent_resolve_failed",
			slog.String("session", s.Name),
			slog.String("error", err.Error()))
		return
	}

	content, err := m.backend.GetContent(ctx, s.ID, m.cfg.CaptureLines)
	if err != nil {
		rep.Failed++
		logging.Aggregate(logging.CompMonitor, "capture_failed",
			slog.String("session", s.Name),
			slog.String("error", err.Error()))
		return
	}
	rep.Captured++

	result := m.interp.Interpret(ctx, content)
	hash := terminal.Hash(content)

	m.snapMu.Lock()
	prev, had := m.snapshots[s.ID]
	m.snapshots[s.ID] = snapshot{agentID: agent.ID, state: result.State, hash: hash, at: m.now()}
	m.snapMu.Unlock()

	if had && prev.state == result.State && prev.hash == hash {
		return
	}
	rep.Proposed++
	out, err := m.HandleTransition(ctx, Proposal{
		AgentID:    agent.ID,
		To:         result.State,
		Confidence: result.Confidence,
		Source:     SourcePoll,
		Text:       terminal.LastLines(terminal.Normalize(content), turnTailLines),
	})
	if err != nil {
		rep.Failed++
		monLog.Error("poll_transition_failed",
			slog.String("agent_id", agent.ID),
			slog.String("to", string(result.State)),
			slog.String("error", err.Error()))
		return
	}
	if out.Committed() {
		rep.Committed++
	}
}

// resolveAgent finds the agent for a pane, adopting a hook-created agent
// for the same project, or registers a new one.
func (m *Monitor) resolveAgent(s terminal.SessionInfo) (store.Agent, error) {
	if a, ok := m.store.FindAgentBySession(s.ID); ok {
		if err := m.store.TouchAgent(a.ID, m.now()); err != nil {
			monLog.Debug("agent_touch_failed",
				slog.String("agent_id", a.ID),
				slog.String("error", err.Error()))
		}
		return a, nil
	}

	cwd := store.NormalizePath(s.CWD)
	if a, ok := m.store.FindAgentByProjectPath(cwd); ok && a.HookSynthesized() {
		adopted, err := m.store.AttachTerminal(a.ID, s.ID, s.Name)
		if err != nil {
			return store.Agent{}, err
		}
		monLog.Info("agent_adopted",
			slog.String("agent_id", a.ID),
			slog.String("session", s.Name),
			slog.String("project_path", cwd))
		return adopted, nil
	}

	a, err := m.store.CreateAgent(store.Agent{
		TerminalSessionID: s.ID,
		SessionName:       s.Name,
		ProjectPath:       cwd,
		ProjectName:       projectName(cwd),
	})
	if err != nil {
		return store.Agent{}, err
	}
	monLog.Info("agent_registered",
		slog.String("agent_id", a.ID),
		slog.String("session", s.Name),
		slog.String("project_path", cwd))
	m.emit.Emit(events.AgentRegistered{
		AgentID:     a.ID,
		SessionName: a.SessionName,
		ProjectPath: a.ProjectPath,
		Origin:      string(SourcePoll),
	})
	return a, nil
}

func projectName(path string) string {
	if path == "" || path == "/" {
		return ""
	}
	return filepath.Base(path)
}

func (m *Monitor) dropSnapshots(seen map[string]bool) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	for id := range m.snapshots {
		if !seen[id] {
			delete(m.snapshots, id)
		}
	}
}

// Snapshot returns the last observed state for a terminal session.
func (m *Monitor) Snapshot(sessionID string) (statemachine.State, bool) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	s, ok := m.snapshots[sessionID]
	return s.state, ok
}
