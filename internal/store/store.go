// Package store owns agents, tasks and turns. It is the only writer of
// their fields; everything else reads copies and asks for mutations.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/asheshgoplani/agent-monitor/internal/logging"
	"github.com/asheshgoplani/agent-monitor/internal/statedb"
	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
)

var storeLog = logging.ForComponent(logging.CompStore)

var (
	ErrNotFound         = errors.New("store: not found")
	ErrDuplicateSession = errors.New("store: terminal session already has an agent")
	ErrTaskActive       = errors.New("store: agent already has a current task")
	ErrInvalidTurn      = errors.New("store: invalid turn")
)

// Persister is the durable backing store. *statedb.StateDB implements it.
type Persister interface {
	SaveAgent(*statedb.AgentRow) error
	DeleteAgent(id string) error
	LoadAgents() ([]*statedb.AgentRow, error)
	SaveTask(*statedb.TaskRow) error
	LoadTasks() ([]*statedb.TaskRow, error)
	SaveTurn(*statedb.TurnRow) error
	LoadTurns() ([]*statedb.TurnRow, error)
}

// Store keeps everything in memory behind one RWMutex and writes through
// to the Persister. A failed write leaves memory unchanged.
type Store struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	tasks     map[string]*Task
	turns     map[string]*Turn
	bySession map[string]string

	db    Persister
	now   func() time.Time
	newID func() string
}

type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides ULID generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// New returns an empty store. db may be nil for a memory-only store.
func New(db Persister, opts ...Option) *Store {
	s := &Store{
		agents:    make(map[string]*Agent),
		tasks:     make(map[string]*Task),
		turns:     make(map[string]*Turn),
		bySession: make(map[string]string),
		db:        db,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return ulid.Make().String() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load replaces memory with the persisted rows.
func (s *Store) Load() error {
	if s.db == nil {
		return nil
	}
	agentRows, err := s.db.LoadAgents()
	if err != nil {
		return err
	}
	taskRows, err := s.db.LoadTasks()
	if err != nil {
		return err
	}
	turnRows, err := s.db.LoadTurns()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.agents = make(map[string]*Agent, len(agentRows))
	s.tasks = make(map[string]*Task, len(taskRows))
	s.turns = make(map[string]*Turn, len(turnRows))
	s.bySession = make(map[string]string, len(agentRows))

	for _, r := range agentRows {
		a := agentFromRow(r)
		s.agents[a.ID] = &a
		s.bySession[a.TerminalSessionID] = a.ID
	}
	for _, r := range taskRows {
		t := taskFromRow(r)
		s.tasks[t.ID] = &t
	}
	for _, r := range turnRows {
		u := turnFromRow(r)
		s.turns[u.ID] = &u
		if t, ok := s.tasks[u.TaskID]; ok {
			t.TurnIDs = append(t.TurnIDs, u.ID)
		}
	}
	// A current task pointing nowhere would break the cached-state rule.
	for _, a := range s.agents {
		if a.CurrentTaskID == "" {
			a.CachedState = statemachine.Idle
			continue
		}
		if t, ok := s.tasks[a.CurrentTaskID]; ok {
			a.CachedState = t.State
		} else {
			a.CurrentTaskID = ""
			a.CachedState = statemachine.Idle
		}
	}
	storeLog.Info("store_loaded",
		slog.Int("agents", len(s.agents)),
		slog.Int("tasks", len(s.tasks)),
		slog.Int("turns", len(s.turns)))
	return nil
}

// --- Agents ---

// CreateAgent registers a new agent in Idle with no current task.
func (s *Store) CreateAgent(a Agent) (Agent, error) {
	if a.TerminalSessionID == "" {
		return Agent{}, fmt.Errorf("store: create agent: empty terminal session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bySession[a.TerminalSessionID]; ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrDuplicateSession, a.TerminalSessionID)
	}
	now := s.now()
	a.ID = s.newID()
	a.CurrentTaskID = ""
	a.CachedState = statemachine.Idle
	a.CreatedAt = now
	a.LastSeenAt = now
	if err := s.saveAgent(&a); err != nil {
		return Agent{}, err
	}
	s.agents[a.ID] = &a
	s.bySession[a.TerminalSessionID] = a.ID
	return a, nil
}

func (s *Store) GetAgent(id string) (Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return *a, nil
}

// ListAgents returns all agents, oldest first.
func (s *Store) ListAgents() []Agent {
	s.mu.RLock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) FindAgentBySession(terminalSessionID string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySession[terminalSessionID]
	if !ok {
		return Agent{}, false
	}
	return *s.agents[id], true
}

// FindAgentByProjectPath returns the oldest agent whose project path equals
// path exactly.
func (s *Store) FindAgentByProjectPath(path string) (Agent, bool) {
	if path == "" {
		return Agent{}, false
	}
	for _, a := range s.ListAgents() {
		if a.ProjectPath == path {
			return a, true
		}
	}
	return Agent{}, false
}

// TouchAgent records that the agent was just observed. Memory only; the
// timestamp is persisted with the agent's next write.
func (s *Store) TouchAgent(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	if at.After(a.LastSeenAt) {
		a.LastSeenAt = at
	}
	return nil
}

// AttachTerminal moves an agent onto a real terminal pane, e.g. when a
// hook-created agent is later discovered by polling.
func (s *Store) AttachTerminal(id, terminalSessionID, sessionName string) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	if other, taken := s.bySession[terminalSessionID]; taken && other != id {
		return Agent{}, fmt.Errorf("%w: %s", ErrDuplicateSession, terminalSessionID)
	}
	next := *a
	next.TerminalSessionID = terminalSessionID
	if sessionName != "" {
		next.SessionName = sessionName
	}
	if err := s.saveAgent(&next); err != nil {
		return Agent{}, err
	}
	delete(s.bySession, a.TerminalSessionID)
	s.bySession[terminalSessionID] = id
	*a = next
	return next, nil
}

// DeleteAgent removes the agent with its tasks and turns.
func (s *Store) DeleteAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	if s.db != nil {
		if err := s.db.DeleteAgent(id); err != nil {
			return err
		}
	}
	for tid, t := range s.tasks {
		if t.AgentID != id {
			continue
		}
		for _, uid := range t.TurnIDs {
			delete(s.turns, uid)
		}
		delete(s.tasks, tid)
	}
	delete(s.bySession, a.TerminalSessionID)
	delete(s.agents, id)
	return nil
}

// --- Tasks ---

// CreateTask starts a new Idle task and makes it the agent's current task.
func (s *Store) CreateTask(agentID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return Task{}, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	if a.CurrentTaskID != "" {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskActive, a.CurrentTaskID)
	}

	now := s.now()
	t := Task{
		ID:        s.newID(),
		AgentID:   agentID,
		State:     statemachine.Idle,
		StartedAt: now,
		UpdatedAt: now,
		TurnIDs:   []string{},
	}
	if err := s.saveTask(&t); err != nil {
		return Task{}, err
	}
	next := *a
	next.CurrentTaskID = t.ID
	next.CachedState = t.State
	if err := s.saveAgent(&next); err != nil {
		return Task{}, err
	}
	s.tasks[t.ID] = &t
	*a = next
	return t.clone(), nil
}

func (s *Store) GetTask(id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return t.clone(), nil
}

// GetCurrentTask returns the agent's current task; ok is false when the
// agent has none.
func (s *Store) GetCurrentTask(agentID string) (Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return Task{}, false, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	if a.CurrentTaskID == "" {
		return Task{}, false, nil
	}
	t, ok := s.tasks[a.CurrentTaskID]
	if !ok {
		return Task{}, false, nil
	}
	return t.clone(), true, nil
}

// ListTasks returns the agent's tasks, oldest first.
func (s *Store) ListTasks(agentID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.agents[agentID]; !ok {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	var out []Task
	for _, t := range s.tasks {
		if t.AgentID == agentID {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateTask writes the task's State and CompletedAt. Every other field
// keeps its stored value, so a stale copy cannot undo AddTurn,
// SetCommandSummary or SetPriority. When the task is its agent's current
// task, the agent's cached state follows.
func (s *Store) UpdateTask(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("%w: task %s", ErrNotFound, t.ID)
	}
	next := cur.clone()
	next.State = t.State
	next.CompletedAt = nil
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		next.CompletedAt = &at
	}
	next.UpdatedAt = s.now()
	return s.commitTask(cur, next)
}

// EndTask stamps EndedAt and detaches the task from its agent, which drops
// back to Idle with no current task.
func (s *Store) EndTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	now := s.now()
	next := cur.clone()
	if next.EndedAt == nil {
		next.EndedAt = &now
	}
	next.UpdatedAt = now
	if err := s.saveTask(&next); err != nil {
		return err
	}
	if a, ok := s.agents[cur.AgentID]; ok && a.CurrentTaskID == taskID {
		na := *a
		na.CurrentTaskID = ""
		na.CachedState = statemachine.Idle
		if err := s.saveAgent(&na); err != nil {
			return err
		}
		*a = na
	}
	*cur = next
	return nil
}

// SetCommandSummary records the summary of the task's command.
func (s *Store) SetCommandSummary(taskID, summary string) error {
	return s.patchTask(taskID, func(t *Task) { t.CommandSummary = summary })
}

// SetPriority records a priority score (0-100) and its reason.
func (s *Store) SetPriority(taskID string, score int, reason string) error {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return s.patchTask(taskID, func(t *Task) {
		t.PriorityScore = &score
		t.PriorityReason = reason
	})
}

func (s *Store) patchTask(taskID string, fn func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	next := cur.clone()
	fn(&next)
	next.UpdatedAt = s.now()
	return s.commitTask(cur, next)
}

// commitTask persists next and swaps it in, syncing the agent's cached
// state. Caller holds s.mu.
func (s *Store) commitTask(cur *Task, next Task) error {
	if err := s.saveTask(&next); err != nil {
		return err
	}
	if a, ok := s.agents[next.AgentID]; ok && a.CurrentTaskID == next.ID && a.CachedState != next.State {
		na := *a
		na.CachedState = next.State
		if err := s.saveAgent(&na); err != nil {
			return err
		}
		*a = na
	}
	*cur = next
	return nil
}

// --- Turns ---

// AddTurn appends an immutable turn to its task.
func (s *Store) AddTurn(u Turn) (Turn, error) {
	if !u.Kind.validFor(u.Actor) {
		return Turn{}, fmt.Errorf("%w: %s turn by %s", ErrInvalidTurn, u.Kind, u.Actor)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[u.TaskID]
	if !ok {
		return Turn{}, fmt.Errorf("%w: task %s", ErrNotFound, u.TaskID)
	}
	u.ID = s.newID()
	u.CreatedAt = s.now()
	if s.db != nil {
		if err := s.db.SaveTurn(turnToRow(u, len(t.TurnIDs))); err != nil {
			return Turn{}, err
		}
	}
	s.turns[u.ID] = &u
	t.TurnIDs = append(t.TurnIDs, u.ID)
	return u, nil
}

// ListTurns returns the task's turns in order.
func (s *Store) ListTurns(taskID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	out := make([]Turn, 0, len(t.TurnIDs))
	for _, id := range t.TurnIDs {
		if u, ok := s.turns[id]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (s *Store) saveAgent(a *Agent) error {
	if s.db == nil {
		return nil
	}
	return s.db.SaveAgent(agentToRow(a))
}

func (s *Store) saveTask(t *Task) error {
	if s.db == nil {
		return nil
	}
	return s.db.SaveTask(taskToRow(t))
}
