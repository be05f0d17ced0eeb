package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/asheshgoplani/agent-monitor/internal/events"
	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
	"github.com/asheshgoplani/agent-monitor/internal/store"
)

// Source names the signal path a proposal came from.
type Source string

const (
	SourcePoll Source = "poll"
	SourceHook Source = "hook"
)

// Proposal asks the handler to move an agent's current task to To.
type Proposal struct {
	AgentID    string
	To         statemachine.State
	Confidence float64
	Source     Source
	// Text is recorded as the turn the edge implies: the user's prompt, the
	// agent's question, or the tail of the pane.
	Text string
}

// SkipReason explains why a proposal committed nothing.
type SkipReason string

const (
	SkipNoChange SkipReason = "no_change"
	SkipIllegal  SkipReason = "illegal_transition"
	SkipHookOnly SkipReason = "hook_only_edge"
)

// Outcome reports what HandleTransition did.
type Outcome struct {
	AgentID string
	TaskID  string
	From    statemachine.State
	To      statemachine.State
	// Steps holds each committed edge; a poll observation of processing on
	// an idle agent commits two.
	Steps   []statemachine.Result
	Skipped SkipReason
}

// Committed reports whether at least one edge was applied.
func (o Outcome) Committed() bool { return len(o.Steps) > 0 }

// pollBridges lets a poll observation cross a hook-only edge by way of a
// legal intermediate state. Without hooks, idle -> processing is only
// visible as the agent already working.
var pollBridges = map[[2]statemachine.State]statemachine.State{
	{statemachine.Idle, statemachine.Processing}: statemachine.Commanded,
}

type step struct {
	to      statemachine.State
	trigger statemachine.Trigger
}

// plan resolves the edges from old to target for a proposal from src.
func plan(old, target statemachine.State, src Source) ([]step, SkipReason) {
	trig, err := statemachine.RequiredTrigger(old, target)
	if err == nil {
		if trig.Authoritative() && src != SourceHook {
			if mid, ok := pollBridges[[2]statemachine.State{old, target}]; ok {
				return bridge(old, mid, target)
			}
			return nil, SkipHookOnly
		}
		return []step{{to: target, trigger: trig}}, ""
	}
	return nil, SkipIllegal
}

func bridge(old, mid, target statemachine.State) ([]step, SkipReason) {
	t1, err := statemachine.RequiredTrigger(old, mid)
	if err != nil {
		return nil, SkipIllegal
	}
	t2, err := statemachine.RequiredTrigger(mid, target)
	if err != nil {
		return nil, SkipIllegal
	}
	return []step{{to: mid, trigger: t1}, {to: target, trigger: t2}}, ""
}

// HandleTransition is the single place where a proposed state becomes a
// committed transition. Read, decide, commit and emit happen under the
// agent's lock; side effects, notifications and callbacks are queued there
// and run afterwards on the agent's effect queue (see Wait).
//
// A pair outside the transition table is skipped, not an error. Errors are
// limited to unknown agents, states outside the enum and persistence
// failures.
func (m *Monitor) HandleTransition(ctx context.Context, p Proposal) (Outcome, error) {
	if !p.To.Valid() {
		return Outcome{}, fmt.Errorf("%w: %q", statemachine.ErrUnknownState, p.To)
	}
	if p.Source == "" {
		p.Source = SourcePoll
	}

	unlock := m.locks.Lock(p.AgentID)
	out, changes, err := m.commit(p)
	if len(changes) > 0 {
		m.dispatch(ctx, p.AgentID, p, changes)
	}
	unlock()

	if err != nil {
		return out, err
	}
	if !out.Committed() {
		m.metrics.skipped(p.Source, out.Skipped)
		if out.Skipped != SkipNoChange {
			monLog.Debug("transition_skipped",
				slog.String("agent_id", p.AgentID),
				slog.String("from", string(out.From)),
				slog.String("to", string(p.To)),
				slog.String("source", string(p.Source)),
				slog.String("reason", string(out.Skipped)))
		}
	}
	return out, nil
}

func (m *Monitor) commit(p Proposal) (Outcome, []StateChange, error) {
	agent, err := m.store.GetAgent(p.AgentID)
	if err != nil {
		return Outcome{}, nil, err
	}
	old := agent.CachedState
	out := Outcome{AgentID: agent.ID, TaskID: agent.CurrentTaskID, From: old, To: p.To}

	if old == p.To {
		out.Skipped = SkipNoChange
		return out, nil, nil
	}
	steps, reason := plan(old, p.To, p.Source)
	if reason != "" {
		out.Skipped = reason
		return out, nil, nil
	}

	task, ok, err := m.store.GetCurrentTask(agent.ID)
	if err != nil {
		return out, nil, err
	}
	if !ok {
		if task, err = m.store.CreateTask(agent.ID); err != nil {
			return out, nil, fmt.Errorf("monitor: create task: %w", err)
		}
	}
	out.TaskID = task.ID

	var changes []StateChange
	for _, st := range steps {
		res, err := m.machine.Transition(&task, st.to, st.trigger)
		if err != nil {
			var invalid *statemachine.InvalidTransitionError
			if errors.As(err, &invalid) {
				out.Skipped = SkipIllegal
				return out, changes, nil
			}
			return out, changes, err
		}
		if err := m.store.UpdateTask(task); err != nil {
			return out, changes, fmt.Errorf("monitor: persist task %s: %w", task.ID, err)
		}
		m.recordTurn(task.ID, res, p.Text)
		if res.To == statemachine.Idle {
			if err := m.store.EndTask(task.ID); err != nil {
				return out, changes, fmt.Errorf("monitor: end task %s: %w", task.ID, err)
			}
		}

		m.emit.Emit(events.TaskStateChanged{
			AgentID:    agent.ID,
			TaskID:     task.ID,
			OldState:   res.From,
			NewState:   res.To,
			Trigger:    res.Trigger,
			Confidence: p.Confidence,
			Source:     string(p.Source),
		})
		m.metrics.committed(p.Source, res.From, res.To)
		monLog.Info("transition_committed",
			slog.String("agent_id", agent.ID),
			slog.String("task_id", task.ID),
			slog.String("from", string(res.From)),
			slog.String("to", string(res.To)),
			slog.String("trigger", string(res.Trigger)),
			slog.String("source", string(p.Source)),
			slog.Float64("confidence", p.Confidence))

		out.Steps = append(out.Steps, res)
		changes = append(changes, StateChange{
			AgentID:    agent.ID,
			TaskID:     task.ID,
			From:       res.From,
			To:         res.To,
			Trigger:    res.Trigger,
			Source:     p.Source,
			Confidence: p.Confidence,
			At:         res.Timestamp,
		})
	}
	return out, changes, nil
}

// turnFor maps an edge onto the conversation turn it implies.
func turnFor(from, to statemachine.State) (store.Actor, store.TurnKind, bool) {
	switch {
	case to == statemachine.Commanded,
		from == statemachine.Idle && to == statemachine.Processing:
		return store.ActorUser, store.TurnCommand, true
	case from == statemachine.AwaitingInput && to == statemachine.Processing:
		return store.ActorUser, store.TurnAnswer, true
	case to == statemachine.AwaitingInput:
		return store.ActorAgent, store.TurnQuestion, true
	case to == statemachine.Complete:
		return store.ActorAgent, store.TurnCompletion, true
	}
	return "", "", false
}

func (m *Monitor) recordTurn(taskID string, res statemachine.Result, text string) {
	actor, kind, ok := turnFor(res.From, res.To)
	if !ok {
		return
	}
	if _, err := m.store.AddTurn(store.Turn{TaskID: taskID, Actor: actor, Kind: kind, Text: text}); err != nil {
		monLog.Warn("turn_record_failed",
			slog.String("task_id", taskID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
	}
}
