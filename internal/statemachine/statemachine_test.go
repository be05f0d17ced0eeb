package statemachine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTask struct {
	state       State
	completedAt *time.Time
	completions int
}

func (f *fakeTask) CurrentState() State { return f.state }
func (f *fakeTask) SetState(s State)    { f.state = s }
func (f *fakeTask) MarkCompleted(at time.Time) {
	f.completedAt = &at
	f.completions++
}

var legal = map[[2]State]Trigger{
	{Idle, Commanded}:           UserPressedEnter,
	{Idle, Processing}:          HookPromptSubmitted,
	{Commanded, Processing}:     LLMStarted,
	{Processing, AwaitingInput}: LLMAskedQuestion,
	{Processing, Complete}:      LLMFinished,
	{Processing, Idle}:          HookTurnStopped,
	{AwaitingInput, Processing}: UserResponded,
	{Complete, Idle}:            NewTaskStarted,
}

func TestTableCompleteness(t *testing.T) {
	m := New(nil)
	for _, from := range States {
		for _, to := range States {
			want, isLegal := legal[[2]State{from, to}]

			trig, err := RequiredTrigger(from, to)
			if isLegal {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, want, trig)
			} else {
				var inv *InvalidTransitionError
				require.ErrorAs(t, err, &inv, "%s -> %s", from, to)
				assert.Equal(t, from, inv.From)
				assert.Equal(t, to, inv.To)
			}

			task := &fakeTask{state: from}
			assert.Equal(t, isLegal, CanTransition(task, to), "%s -> %s", from, to)

			// Every illegal pair fails for every trigger.
			if !isLegal {
				for _, tr := range legal {
					_, err := m.Transition(task, to, tr)
					require.Error(t, err)
					assert.Equal(t, from, task.state, "failed transition must not mutate")
				}
			}
		}
	}
	assert.Len(t, legal, 8)
}

func TestTransitionWrongTrigger(t *testing.T) {
	task := &fakeTask{state: Processing}
	_, err := New(nil).Transition(task, Complete, LLMAskedQuestion)

	var inv *InvalidTransitionError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, LLMFinished, inv.Required)
	assert.Equal(t, LLMAskedQuestion, inv.Trigger)
	assert.Equal(t, Processing, task.state)
	assert.Contains(t, err.Error(), "requires trigger llm_finished")
}

func TestTransitionUnknownState(t *testing.T) {
	task := &fakeTask{state: Idle}
	_, err := New(nil).Transition(task, State("sleeping"), UserPressedEnter)
	require.ErrorIs(t, err, ErrUnknownState)

	var inv *InvalidTransitionError
	assert.False(t, errors.As(err, &inv))
}

func TestFullLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := New(func() time.Time { return now })
	task := &fakeTask{state: Idle}

	steps := []struct {
		to      State
		trigger Trigger
	}{
		{Commanded, UserPressedEnter},
		{Processing, LLMStarted},
		{AwaitingInput, LLMAskedQuestion},
		{Processing, UserResponded},
		{Complete, LLMFinished},
		{Idle, NewTaskStarted},
	}
	for i, step := range steps {
		from := task.state
		res, err := m.Transition(task, step.to, step.trigger)
		require.NoError(t, err, "step %d", i)
		assert.True(t, res.Success)
		assert.Equal(t, from, res.From)
		assert.Equal(t, step.to, res.To)
		assert.Equal(t, step.trigger, res.Trigger)
		assert.Equal(t, now, res.Timestamp)

		if step.to == Complete {
			require.NotNil(t, task.completedAt)
			assert.Equal(t, now, *task.completedAt)
		} else if i < 4 {
			assert.Nil(t, task.completedAt, "completed_at set before complete at step %d", i)
		}
	}
	assert.Equal(t, 1, task.completions)
	assert.Equal(t, Idle, task.state)
}

func TestTryTransition(t *testing.T) {
	m := New(nil)
	task := &fakeTask{state: Idle}

	out := m.TryTransition(task, Complete, LLMFinished)
	assert.False(t, out.Ok())
	assert.NotEmpty(t, out.Reason)
	assert.Equal(t, Idle, task.state)

	out = m.TryTransition(task, Processing, HookPromptSubmitted)
	assert.True(t, out.Ok())
	assert.Equal(t, Processing, out.Result.To)
}

func TestValidTransitions(t *testing.T) {
	tests := map[State][]State{
		Idle:          {Commanded, Processing},
		Commanded:     {Processing},
		Processing:    {Idle, AwaitingInput, Complete},
		AwaitingInput: {Processing},
		Complete:      {Idle},
	}
	for from, want := range tests {
		assert.Equal(t, want, ValidTransitions(&fakeTask{state: from}), from)
	}
}

func TestAuthoritativeTriggers(t *testing.T) {
	for _, tr := range legal {
		want := tr == HookPromptSubmitted || tr == HookTurnStopped
		assert.Equal(t, want, tr.Authoritative(), tr)
	}
}

func TestParseState(t *testing.T) {
	s, ok := ParseState("AWAITING_INPUT")
	assert.True(t, ok)
	assert.Equal(t, AwaitingInput, s)

	for _, name := range []string{"waiting", " awaiting_input ", "complete\n", "idle."} {
		_, ok = ParseState(name)
		assert.False(t, ok, "%q", name)
	}
}
