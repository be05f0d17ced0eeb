package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
)

type recordingSender struct {
	name string
	err  error
	got  []Notification
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) Send(_ context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestShouldNotify(t *testing.T) {
	for _, from := range statemachine.States {
		for _, to := range statemachine.States {
			want := from == statemachine.Processing &&
				(to == statemachine.AwaitingInput || to == statemachine.Complete)
			assert.Equal(t, want, ShouldNotify(from, to), "%s -> %s", from, to)
		}
	}
}

func TestBuild(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	n, ok := Build("a1", "t1", "claude-api", "", statemachine.Processing, statemachine.AwaitingInput, at)
	require.True(t, ok)
	assert.Equal(t, KindAwaitingInput, n.Kind)
	assert.Equal(t, "claude-api needs input", n.Title)
	assert.NotEmpty(t, n.Body)

	n, ok = Build("a1", "t1", "", "Fix login", statemachine.Processing, statemachine.Complete, at)
	require.True(t, ok)
	assert.Equal(t, KindComplete, n.Kind)
	assert.Equal(t, "a1 finished", n.Title)
	assert.Equal(t, "Fix login", n.Body)

	_, ok = Build("a1", "t1", "", "", statemachine.Processing, statemachine.Idle, at)
	assert.False(t, ok)
}

func TestServiceCooldown(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rec := &recordingSender{name: "rec"}
	svc := NewService(30*time.Second, rec)
	svc.SetClock(func() time.Time { return now })

	n := Notification{AgentID: "a1", TaskID: "t1", Kind: KindComplete}
	require.NoError(t, svc.Notify(context.Background(), n))
	require.NoError(t, svc.Notify(context.Background(), n))
	assert.Len(t, rec.got, 1)

	// Another kind, task or agent is not a duplicate.
	require.NoError(t, svc.Notify(context.Background(), Notification{AgentID: "a1", TaskID: "t1", Kind: KindAwaitingInput}))
	require.NoError(t, svc.Notify(context.Background(), Notification{AgentID: "a1", TaskID: "t2", Kind: KindComplete}))
	require.NoError(t, svc.Notify(context.Background(), Notification{AgentID: "a2", TaskID: "t3", Kind: KindComplete}))
	assert.Len(t, rec.got, 4)

	now = now.Add(31 * time.Second)
	require.NoError(t, svc.Notify(context.Background(), n))
	assert.Len(t, rec.got, 5)
}

func TestServiceWithoutCooldownSendsEveryTransition(t *testing.T) {
	rec := &recordingSender{name: "rec"}
	svc := NewService(0, rec)

	q := Notification{AgentID: "a1", TaskID: "t1", Kind: KindAwaitingInput}
	require.NoError(t, svc.Notify(context.Background(), q))
	require.NoError(t, svc.Notify(context.Background(), q))
	assert.Len(t, rec.got, 2)
}

func TestServiceJoinsSenderErrors(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("gateway down")}
	good := &recordingSender{name: "good"}
	svc := NewService(0, bad, good)

	err := svc.Notify(context.Background(), Notification{AgentID: "a1", Kind: KindComplete})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: gateway down")
	assert.Len(t, good.got, 1)
}

func TestNilServiceIsNoop(t *testing.T) {
	var svc *Service
	assert.NoError(t, svc.Notify(context.Background(), Notification{}))
}
