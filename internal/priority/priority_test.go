package priority

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-monitor/internal/events"
	"github.com/asheshgoplani/agent-monitor/internal/inference"
	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
	"github.com/asheshgoplani/agent-monitor/internal/store"
)

type fakeLLM struct {
	data  map[string]any
	err   error
	calls int
}

func (f *fakeLLM) Call(_ context.Context, req inference.Request) (*inference.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &inference.Result{Data: f.data}, nil
}

type captureEmitter struct{ got []events.Payload }

func (c *captureEmitter) Emit(p events.Payload) { c.got = append(c.got, p) }

func seed(t *testing.T) (*store.Store, string, string) {
	t.Helper()
	s := store.New(nil)
	a1, err := s.CreateAgent(store.Agent{TerminalSessionID: "%1", SessionName: "claude-api"})
	require.NoError(t, err)
	a2, err := s.CreateAgent(store.Agent{TerminalSessionID: "%2", SessionName: "claude-web"})
	require.NoError(t, err)
	t1, err := s.CreateTask(a1.ID)
	require.NoError(t, err)
	t1.State = statemachine.Complete
	require.NoError(t, s.UpdateTask(t1))
	require.NoError(t, s.SetPriority(t1.ID, 40, "quick"))
	t2, err := s.CreateTask(a2.ID)
	require.NoError(t, err)
	t2.State = statemachine.AwaitingInput
	require.NoError(t, s.UpdateTask(t2))
	return s, a1.ID, a2.ID
}

func TestScoresRecomputeOnlyWhenStale(t *testing.T) {
	s, a1, a2 := seed(t)
	llm := &fakeLLM{data: map[string]any{"priorities": []any{
		map[string]any{"agent_id": a1, "score": 20, "reason": "can wait"},
		map[string]any{"agent_id": a2, "score": 150, "reason": "blocked on a question"},
		map[string]any{"agent_id": "ghost", "score": 99},
	}}}
	emit := &captureEmitter{}
	svc := New(s, llm, emit)

	scores, err := svc.Scores(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, a2, scores[0].AgentID)
	assert.Equal(t, 100, scores[0].Score)
	assert.Equal(t, "blocked on a question", scores[0].Reason)
	assert.Equal(t, 20, scores[1].Score)
	assert.False(t, svc.Stale())

	_, err = svc.Scores(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, llm.calls)

	svc.MarkStale("task_completed", "t1")
	assert.True(t, svc.Stale())
	require.Len(t, emit.got, 1)
	assert.Equal(t, events.PrioritiesInvalidated{Reason: "task_completed", TaskID: "t1"}, emit.got[0])

	_, err = svc.Scores(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, llm.calls)
}

func TestScoresFallBack(t *testing.T) {
	s, a1, _ := seed(t)
	llm := &fakeLLM{err: errors.New("timeout")}
	svc := New(s, llm, nil)

	scores, err := svc.Scores(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, a1, scores[0].AgentID)
	assert.Equal(t, 40, scores[0].Score)
	assert.True(t, svc.Stale())

	llm.err = nil
	llm.data = map[string]any{"priorities": []any{map[string]any{"agent_id": a1, "score": 70}}}
	scores, err = svc.Scores(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 70, scores[0].Score)

	svc.MarkStale("task_completed", "")
	llm.err = errors.New("down again")
	scores, err = svc.Scores(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 70, scores[0].Score)
}

func TestScoresEmpty(t *testing.T) {
	svc := New(store.New(nil), &fakeLLM{}, nil)
	scores, err := svc.Scores(context.Background())
	require.NoError(t, err)
	assert.Empty(t, scores)
}

// gatedLLM blocks every call until release is closed.
type gatedLLM struct {
	started chan struct{}
	release chan struct{}
	data    map[string]any
}

func (g *gatedLLM) Call(_ context.Context, _ inference.Request) (*inference.Result, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-g.release
	return &inference.Result{Data: g.data}, nil
}

func TestMarkStaleDoesNotWaitForRanking(t *testing.T) {
	s, a1, a2 := seed(t)
	llm := &gatedLLM{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		data: map[string]any{"priorities": []any{
			map[string]any{"agent_id": a1, "score": 10},
			map[string]any{"agent_id": a2, "score": 90},
		}},
	}
	svc := New(s, llm, nil)

	done := make(chan []Score, 1)
	go func() {
		scores, _ := svc.Scores(context.Background())
		done <- scores
	}()
	<-llm.started

	marked := make(chan struct{})
	go func() {
		svc.MarkStale("task_completed", "t9")
		close(marked)
	}()
	select {
	case <-marked:
	case <-time.After(time.Second):
		t.Fatal("MarkStale blocked on the full_priority call")
	}

	close(llm.release)
	scores := <-done
	require.Len(t, scores, 2)
	assert.Equal(t, a2, scores[0].AgentID)
	assert.True(t, svc.Stale(), "a ranking started before the invalidation stays stale")
}
