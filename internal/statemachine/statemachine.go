// Package statemachine defines the task lifecycle: five states, the eight
// legal edges between them, and the trigger each edge requires.
package statemachine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// State is a task's activity state.
type State string

const (
	Idle          State = "idle"
	Commanded     State = "commanded"
	Processing    State = "processing"
	AwaitingInput State = "awaiting_input"
	Complete      State = "complete"
)

// States lists every state in lifecycle order.
var States = []State{Idle, Commanded, Processing, AwaitingInput, Complete}

// Valid reports whether s is one of the five states.
func (s State) Valid() bool {
	switch s {
	case Idle, Commanded, Processing, AwaitingInput, Complete:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

// ParseState maps a name onto a State. Matching ignores case and nothing
// else: padded or partial names are rejected.
func ParseState(name string) (State, bool) {
	for _, s := range States {
		if strings.EqualFold(string(s), name) {
			return s, true
		}
	}
	return "", false
}

// Trigger names the cause of a transition.
type Trigger string

const (
	UserPressedEnter    Trigger = "user_pressed_enter"
	HookPromptSubmitted Trigger = "hook_prompt_submitted"
	LLMStarted          Trigger = "llm_started"
	LLMAskedQuestion    Trigger = "llm_asked_question"
	LLMFinished         Trigger = "llm_finished"
	HookTurnStopped     Trigger = "hook_turn_stopped"
	UserResponded       Trigger = "user_responded"
	NewTaskStarted      Trigger = "new_task_started"
)

// Authoritative reports whether the trigger can only come from a lifecycle
// hook rather than from reading terminal output.
func (t Trigger) Authoritative() bool {
	return t == HookPromptSubmitted || t == HookTurnStopped
}

type edge struct {
	from, to State
}

var table = map[edge]Trigger{
	{Idle, Commanded}:           UserPressedEnter,
	{Idle, Processing}:          HookPromptSubmitted,
	{Commanded, Processing}:     LLMStarted,
	{Processing, AwaitingInput}: LLMAskedQuestion,
	{Processing, Complete}:      LLMFinished,
	{Processing, Idle}:          HookTurnStopped,
	{AwaitingInput, Processing}: UserResponded,
	{Complete, Idle}:            NewTaskStarted,
}

// ErrUnknownState is returned for a target outside the five states. It is
// a caller bug, unlike InvalidTransitionError.
var ErrUnknownState = errors.New("statemachine: unknown state")

// InvalidTransitionError reports a pair that is not in the table, or a
// trigger that does not match the pair's required trigger.
type InvalidTransitionError struct {
	From    State
	To      State
	Trigger Trigger
	// Required is the trigger the pair needs, empty when the pair is
	// illegal outright.
	Required Trigger
}

func (e *InvalidTransitionError) Error() string {
	if e.Required == "" {
		return fmt.Sprintf("statemachine: no transition %s -> %s", e.From, e.To)
	}
	return fmt.Sprintf("statemachine: transition %s -> %s requires trigger %s, got %s",
		e.From, e.To, e.Required, e.Trigger)
}

// Task is anything whose state the machine can drive.
type Task interface {
	CurrentState() State
	SetState(State)
	// MarkCompleted is called once, when the task enters Complete.
	MarkCompleted(at time.Time)
}

// Result describes a committed transition.
type Result struct {
	Success   bool
	From      State
	To        State
	Trigger   Trigger
	Timestamp time.Time
}

// Machine applies transitions. The zero value uses time.Now.
type Machine struct {
	now func() time.Time
}

// New returns a Machine stamping results with now (time.Now when nil).
func New(now func() time.Time) *Machine {
	return &Machine{now: now}
}

func (m *Machine) clock() time.Time {
	if m == nil || m.now == nil {
		return time.Now()
	}
	return m.now()
}

// Transition moves task to `to` when (current, to) is a legal pair and
// trigger is its required trigger. On failure the task is untouched.
func (m *Machine) Transition(task Task, to State, trigger Trigger) (Result, error) {
	if !to.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownState, to)
	}
	from := task.CurrentState()
	required, ok := table[edge{from, to}]
	if !ok {
		return Result{}, &InvalidTransitionError{From: from, To: to, Trigger: trigger}
	}
	if required != trigger {
		return Result{}, &InvalidTransitionError{From: from, To: to, Trigger: trigger, Required: required}
	}

	at := m.clock()
	task.SetState(to)
	if to == Complete {
		task.MarkCompleted(at)
	}
	return Result{Success: true, From: from, To: to, Trigger: trigger, Timestamp: at}, nil
}

// Outcome is the non-failing form of Transition.
type Outcome struct {
	Result Result
	// Reason is set when the transition was rejected.
	Reason string
}

// Ok reports whether the transition was applied.
func (o Outcome) Ok() bool { return o.Reason == "" }

// TryTransition is Transition without an error return.
func (m *Machine) TryTransition(task Task, to State, trigger Trigger) Outcome {
	res, err := m.Transition(task, to, trigger)
	if err != nil {
		return Outcome{Reason: err.Error()}
	}
	return Outcome{Result: res}
}

// CanTransition reports whether (task's state, to) is a legal pair.
func CanTransition(task Task, to State) bool {
	_, ok := table[edge{task.CurrentState(), to}]
	return ok
}

// ValidTransitions lists the states reachable from task's state in one
// step, in lifecycle order.
func ValidTransitions(task Task) []State {
	return ValidFrom(task.CurrentState())
}

// ValidFrom lists the states reachable from from in one step.
func ValidFrom(from State) []State {
	var out []State
	for e := range table {
		if e.from == from {
			out = append(out, e.to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return order(out[i]) < order(out[j]) })
	return out
}

// RequiredTrigger returns the trigger for (from, to), or an
// InvalidTransitionError when the pair is illegal.
func RequiredTrigger(from, to State) (Trigger, error) {
	if t, ok := table[edge{from, to}]; ok {
		return t, nil
	}
	return "", &InvalidTransitionError{From: from, To: to}
}

func order(s State) int {
	for i, v := range States {
		if v == s {
			return i
		}
	}
	return len(States)
}
