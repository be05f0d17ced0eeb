package store

import (
	"strings"
	"time"

	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
)

// Agent is one coding-agent session.
type Agent struct {
	ID                string             `json:"id"`
	ProjectPath       string             `json:"project_path,omitempty"`
	ProjectName       string             `json:"project_name,omitempty"`
	TerminalSessionID string             `json:"terminal_session_id"`
	SessionName       string             `json:"session_name"`
	CurrentTaskID     string             `json:"current_task_id,omitempty"`
	CachedState       statemachine.State `json:"state"`
	CreatedAt         time.Time          `json:"created_at"`
	LastSeenAt        time.Time          `json:"last_seen_at"`
}

// HookSynthesized reports whether the agent was created from a hook event
// before any terminal pane was matched to it.
func (a Agent) HookSynthesized() bool {
	return strings.HasPrefix(a.TerminalSessionID, HookSessionPrefix)
}

// HookSessionPrefix marks terminal ids invented for hook-only agents.
const HookSessionPrefix = "hook-"

// Task is one unit of work, from the command to completion.
type Task struct {
	ID             string             `json:"id"`
	AgentID        string             `json:"agent_id"`
	State          statemachine.State `json:"state"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	EndedAt        *time.Time         `json:"ended_at,omitempty"`
	TurnIDs        []string           `json:"turn_ids"`
	CommandSummary string             `json:"command_summary,omitempty"`
	PriorityScore  *int               `json:"priority_score,omitempty"`
	PriorityReason string             `json:"priority_reason,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func (t *Task) CurrentState() statemachine.State { return t.State }
func (t *Task) SetState(s statemachine.State) { t.State = s }
func (t *Task) MarkCompleted(at time.Time) { t.CompletedAt = &at }

func (t Task) clone() Task {
	c := t
	c.TurnIDs = append([]string(nil), t.TurnIDs...)
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.EndedAt != nil {
		v := *t.EndedAt
		c.EndedAt = &v
	}
	if t.PriorityScore != nil {
		v := *t.PriorityScore
		c.PriorityScore = &v
	}
	return c
}

// Actor is who produced a turn.
type Actor string

const (
	ActorUser  Actor = "user"
	ActorAgent Actor = "agent"
)

// TurnKind tags a turn. Question and Completion only apply to agent turns.
type TurnKind string

const (
	TurnCommand    TurnKind = "command"
	TurnAnswer     TurnKind = "answer"
	TurnQuestion   TurnKind = "question"
	TurnCompletion TurnKind = "completion"
)

// Turn is one immutable exchange within a task.
type Turn struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Actor     Actor     `json:"actor"`
	Kind      TurnKind  `json:"kind"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func (k TurnKind) validFor(a Actor) bool {
	switch k {
	case TurnCommand, TurnAnswer:
		return a == ActorUser
	case TurnQuestion, TurnCompletion:
		return a == ActorAgent
	}
	return false
}

// NormalizePath strips trailing slashes so "/src/api/" and "/src/api"
// name the same project.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
