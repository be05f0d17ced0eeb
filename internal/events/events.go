// Package events carries typed notifications from the monitor to stream
// clients and internal listeners.
package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
)

// Kind is the wire name of an event.
type Kind string

const (
	KindTaskStateChanged      Kind = "task_state_changed"
	KindPrioritiesInvalidated Kind = "priorities_invalidated"
	KindResponseClassified    Kind = "response_classified"
	KindCommandSummarized     Kind = "command_summarized"
	KindAgentRegistered       Kind = "agent_registered"
	KindAgentRemoved          Kind = "agent_removed"
	KindHookReceived          Kind = "hook_received"
)

// Payload is implemented by every event body.
type Payload interface {
	Kind() Kind
}

// TaskStateChanged is emitted exactly once per committed transition.
type TaskStateChanged struct {
	AgentID    string               `json:"agent_id"`
	TaskID     string               `json:"task_id"`
	OldState   statemachine.State   `json:"old_state"`
	NewState   statemachine.State   `json:"new_state"`
	Trigger    statemachine.Trigger `json:"trigger"`
	Confidence float64              `json:"confidence"`
	Source     string               `json:"source"`
}

// PrioritiesInvalidated tells clients to refetch priorities.
type PrioritiesInvalidated struct {
	Reason string `json:"reason"`
	TaskID string `json:"task_id,omitempty"`
}

// ResponseClassified carries the classification of an agent's question.
type ResponseClassified struct {
	AgentID  string `json:"agent_id"`
	TaskID   string `json:"task_id"`
	Category string `json:"category"`
	Urgency  string `json:"urgency"`
	Summary  string `json:"summary,omitempty"`
}

// CommandSummarized carries the one-line summary of a user's command.
type CommandSummarized struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
	Summary string `json:"summary"`
}

// AgentRegistered is emitted when discovery or a hook creates an agent.
type AgentRegistered struct {
	AgentID     string `json:"agent_id"`
	SessionName string `json:"session_name"`
	ProjectPath string `json:"project_path,omitempty"`
	Origin      string `json:"origin"`
}

// AgentRemoved is emitted when an agent is deleted.
type AgentRemoved struct {
	AgentID string `json:"agent_id"`
}

// HookReceived is emitted for every accepted lifecycle hook.
type HookReceived struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`
}

func (TaskStateChanged) Kind() Kind      { return KindTaskStateChanged }
func (PrioritiesInvalidated) Kind() Kind { return KindPrioritiesInvalidated }
func (ResponseClassified) Kind() Kind    { return KindResponseClassified }
func (CommandSummarized) Kind() Kind     { return KindCommandSummarized }
func (AgentRegistered) Kind() Kind       { return KindAgentRegistered }
func (AgentRemoved) Kind() Kind          { return KindAgentRemoved }
func (HookReceived) Kind() Kind          { return KindHookReceived }

// Event is one published payload.
type Event struct {
	ID      string
	Time    time.Time
	Payload Payload
}

// New wraps p with a fresh ULID and the current time.
func New(p Payload) Event {
	return Event{ID: ulid.Make().String(), Time: time.Now().UTC(), Payload: p}
}

func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// MarshalJSON renders {id, type, time, data}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID   string    `json:"id"`
		Type Kind      `json:"type"`
		Time time.Time `json:"time"`
		Data Payload   `json:"data"`
	}{e.ID, e.Kind(), e.Time, e.Payload})
}

// Emitter accepts payloads for broadcast.
type Emitter interface {
	Emit(p Payload)
}
