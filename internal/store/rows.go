package store

import (
	"database/sql"
	"time"

	"github.com/asheshgoplani/agent-monitor/internal/statedb"
	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
)

func agentToRow(a *Agent) *statedb.AgentRow {
	return &statedb.AgentRow{
		ID:                a.ID,
		ProjectPath:       a.ProjectPath,
		ProjectName:       a.ProjectName,
		TerminalSessionID: a.TerminalSessionID,
		SessionName:       a.SessionName,
		CurrentTaskID:     a.CurrentTaskID,
		CachedState:       string(a.CachedState),
		CreatedAt:         a.CreatedAt,
		LastSeenAt:        a.LastSeenAt,
	}
}

func agentFromRow(r *statedb.AgentRow) Agent {
	state, ok := statemachine.ParseState(r.CachedState)
	if !ok {
		state = statemachine.Idle
	}
	return Agent{
		ID:                r.ID,
		ProjectPath:       r.ProjectPath,
		ProjectName:       r.ProjectName,
		TerminalSessionID: r.TerminalSessionID,
		SessionName:       r.SessionName,
		CurrentTaskID:     r.CurrentTaskID,
		CachedState:       state,
		CreatedAt:         r.CreatedAt,
		LastSeenAt:        r.LastSeenAt,
	}
}

func taskToRow(t *Task) *statedb.TaskRow {
	row := &statedb.TaskRow{
		ID:             t.ID,
		AgentID:        t.AgentID,
		State:          string(t.State),
		StartedAt:      t.StartedAt,
		CommandSummary: t.CommandSummary,
		PriorityReason: t.PriorityReason,
		UpdatedAt:      t.UpdatedAt,
	}
	if t.CompletedAt != nil {
		row.CompletedAt = *t.CompletedAt
	}
	if t.EndedAt != nil {
		row.EndedAt = *t.EndedAt
	}
	if t.PriorityScore != nil {
		row.PriorityScore = sql.NullInt64{Int64: int64(*t.PriorityScore), Valid: true}
	}
	return row
}

func taskFromRow(r *statedb.TaskRow) Task {
	state, ok := statemachine.ParseState(r.State)
	if !ok {
		state = statemachine.Idle
	}
	t := Task{
		ID:             r.ID,
		AgentID:        r.AgentID,
		State:          state,
		StartedAt:      r.StartedAt,
		TurnIDs:        []string{},
		CommandSummary: r.CommandSummary,
		PriorityReason: r.PriorityReason,
		UpdatedAt:      r.UpdatedAt,
	}
	t.CompletedAt = timePtr(r.CompletedAt)
	t.EndedAt = timePtr(r.EndedAt)
	if r.PriorityScore.Valid {
		v := int(r.PriorityScore.Int64)
		t.PriorityScore = &v
	}
	return t
}

func turnToRow(u Turn, seq int) *statedb.TurnRow {
	return &statedb.TurnRow{
		ID:        u.ID,
		TaskID:    u.TaskID,
		Seq:       seq,
		Actor:     string(u.Actor),
		Kind:      string(u.Kind),
		Text:      u.Text,
		CreatedAt: u.CreatedAt,
	}
}

func turnFromRow(r *statedb.TurnRow) Turn {
	return Turn{
		ID:        r.ID,
		TaskID:    r.TaskID,
		Actor:     Actor(r.Actor),
		Kind:      TurnKind(r.Kind),
		Text:      r.Text,
		CreatedAt: r.CreatedAt,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
