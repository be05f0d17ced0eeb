package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/asheshgoplani/agent-monitor/internal/events"
	"github.com/asheshgoplani/agent-monitor/internal/store"
	"github.com/asheshgoplani/agent-monitor/internal/terminal"
)

var (
	// ErrBackendUnavailable is distinct from not-found so callers can map
	// it to a retryable status.
	ErrBackendUnavailable = errors.New("monitor: terminal backend unavailable")

	// ErrNoTerminal is returned for agents known only from hooks.
	ErrNoTerminal = errors.New("monitor: agent has no terminal pane")
)

// SendText types text into the agent's pane, pressing Enter when enter is
// set.
func (m *Monitor) SendText(ctx context.Context, agentID, text string, enter bool) error {
	a, err := m.paneAgent(agentID)
	if err != nil {
		return err
	}
	if err := m.backend.SendText(ctx, a.TerminalSessionID, text, enter); err != nil {
		return backendErr(err)
	}
	monLog.Info("text_sent",
		slog.String("agent_id", agentID),
		slog.Int("chars", len(text)),
		slog.Bool("enter", enter))
	return nil
}

// Focus brings the agent's pane to the foreground.
func (m *Monitor) Focus(ctx context.Context, agentID string) error {
	a, err := m.paneAgent(agentID)
	if err != nil {
		return err
	}
	if err := m.backend.FocusPane(ctx, a.TerminalSessionID); err != nil {
		return backendErr(err)
	}
	return nil
}

// RemoveAgent forgets the agent, its tasks and its snapshot.
func (m *Monitor) RemoveAgent(agentID string) error {
	unlock := m.locks.Lock(agentID)
	defer unlock()

	a, err := m.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteAgent(agentID); err != nil {
		return err
	}
	m.snapMu.Lock()
	delete(m.snapshots, a.TerminalSessionID)
	m.snapMu.Unlock()

	m.emit.Emit(events.AgentRemoved{AgentID: agentID})
	monLog.Info("agent_removed", slog.String("agent_id", agentID))
	return nil
}

func (m *Monitor) paneAgent(agentID string) (store.Agent, error) {
	a, err := m.store.GetAgent(agentID)
	if err != nil {
		return store.Agent{}, err
	}
	if a.HookSynthesized() {
		return store.Agent{}, fmt.Errorf("%w: %s", ErrNoTerminal, agentID)
	}
	return a, nil
}

func backendErr(err error) error {
	switch {
	case errors.Is(err, terminal.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	case errors.Is(err, terminal.ErrSessionNotFound):
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}
	return err
}
