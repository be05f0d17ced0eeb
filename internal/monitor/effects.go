package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sourcegraph/conc/panics"

	"github.com/asheshgoplani/agent-monitor/internal/events"
	"github.com/asheshgoplani/agent-monitor/internal/inference"
	"github.com/asheshgoplani/agent-monitor/internal/notify"
	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
)

type effectJob struct {
	ctx     context.Context
	text    string
	changes []StateChange
}

// effectQueue holds one agent's pending post-commit work. A single drainer
// goroutine runs while the queue is non-empty.
type effectQueue struct {
	pending []effectJob
	running bool
}

// dispatch queues everything downstream of a commit: side effects, the
// notification, then callbacks. Callers hold the agent lock, so jobs for
// one agent run in commit order; different agents run in parallel. It
// never blocks the caller.
func (m *Monitor) dispatch(ctx context.Context, agentID string, p Proposal, changes []StateChange) {
	job := effectJob{ctx: context.WithoutCancel(ctx), text: p.Text, changes: changes}

	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	q, ok := m.queues[agentID]
	if !ok {
		q = &effectQueue{}
		m.queues[agentID] = q
	}
	q.pending = append(q.pending, job)
	m.effects.Add(1)
	if !q.running {
		q.running = true
		go m.drain(agentID, q)
	}
}

func (m *Monitor) drain(agentID string, q *effectQueue) {
	for {
		m.queueMu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			delete(m.queues, agentID)
			m.queueMu.Unlock()
			return
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		m.queueMu.Unlock()

		for _, ch := range job.changes {
			detail := m.runSideEffects(job.ctx, ch, job.text)
			m.sendNotification(job.ctx, ch, detail)
			m.runCallbacks(job.ctx, ch)
		}
		m.effects.Done()
	}
}

// isolate runs fn, turning a panic into an error.
func isolate(fn func() error) error {
	var pc panics.Catcher
	var err error
	pc.Try(func() { err = fn() })
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("panic: %v", r.Value)
	}
	return err
}

// runSideEffects dispatches the inference work keyed on the edge. The
// returned detail feeds the notification body.
func (m *Monitor) runSideEffects(ctx context.Context, ch StateChange, text string) string {
	var detail string
	effect := func(name string, fn func(ctx context.Context) error) {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.SideEffectTimeout)
		defer cancel()
		err := isolate(func() error { return fn(ctx) })
		if err != nil && !errors.Is(err, inference.ErrDisabled) {
			m.metrics.sideEffectFailed(name)
			monLog.Warn("side_effect_failed",
				slog.String("effect", name),
				slog.String("agent_id", ch.AgentID),
				slog.String("task_id", ch.TaskID),
				slog.String("error", err.Error()))
		}
	}

	switch {
	case ch.From == statemachine.Idle && ch.To == statemachine.Commanded:
		effect("summarize_command", func(ctx context.Context) error {
			return m.summarizeCommand(ctx, ch, text)
		})

	case ch.From == statemachine.Processing && ch.To == statemachine.AwaitingInput:
		effect("classify_response", func(ctx context.Context) error {
			summary, err := m.classifyResponse(ctx, ch, text)
			detail = summary
			return err
		})
		if detail == "" {
			detail = lastLine(text)
		}

	case ch.From == statemachine.Processing && ch.To == statemachine.Complete:
		effect("quick_priority", func(ctx context.Context) error {
			return m.quickPriority(ctx, ch, text)
		})
		effect("invalidate_priorities", func(context.Context) error {
			if m.priority != nil {
				m.priority.MarkStale("task_completed", ch.TaskID)
			}
			return nil
		})
		if t, err := m.store.GetTask(ch.TaskID); err == nil {
			detail = t.CommandSummary
		}
	}
	return detail
}

func (m *Monitor) summarizeCommand(ctx context.Context, ch StateChange, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	res, err := m.llm.Call(ctx, inference.Request{
		Purpose:  inference.SummarizeCommand,
		Input:    text,
		UseCache: true,
	})
	if err != nil {
		return err
	}
	summary := res.String("summary")
	if summary == "" {
		return fmt.Errorf("%w: empty summary", inference.ErrBadResponse)
	}
	if err := m.store.SetCommandSummary(ch.TaskID, summary); err != nil {
		return err
	}
	m.emit.Emit(events.CommandSummarized{AgentID: ch.AgentID, TaskID: ch.TaskID, Summary: summary})
	return nil
}

func (m *Monitor) classifyResponse(ctx context.Context, ch StateChange, text string) (string, error) {
	res, err := m.llm.Call(ctx, inference.Request{
		Purpose:  inference.ClassifyResponse,
		Input:    text,
		UseCache: true,
	})
	if err != nil {
		return "", err
	}
	ev := events.ResponseClassified{
		AgentID:  ch.AgentID,
		TaskID:   ch.TaskID,
		Category: res.String("category"),
		Urgency:  res.String("urgency"),
		Summary:  res.String("summary"),
	}
	m.emit.Emit(ev)
	return ev.Summary, nil
}

func (m *Monitor) quickPriority(ctx context.Context, ch StateChange, text string) error {
	task, err := m.store.GetTask(ch.TaskID)
	if err != nil {
		return err
	}
	var in strings.Builder
	if task.CommandSummary != "" {
		fmt.Fprintf(&in, "Summary: %s\n", task.CommandSummary)
	}
	fmt.Fprintf(&in, "State: %s\nLast output:\n%s", ch.To, text)

	res, err := m.llm.Call(ctx, inference.Request{
		Purpose:  inference.QuickPriority,
		Input:    in.String(),
		UseCache: true,
	})
	if err != nil {
		return err
	}
	score, ok := res.Int("score")
	if !ok {
		return fmt.Errorf("%w: missing score", inference.ErrBadResponse)
	}
	return m.store.SetPriority(ch.TaskID, score, res.String("reason"))
}

func (m *Monitor) sendNotification(ctx context.Context, ch StateChange, detail string) {
	if m.notifier == nil || !notify.ShouldNotify(ch.From, ch.To) {
		return
	}
	var name string
	if a, err := m.store.GetAgent(ch.AgentID); err == nil {
		name = a.SessionName
	}
	n, ok := notify.Build(ch.AgentID, ch.TaskID, name, detail, ch.From, ch.To, ch.At)
	if !ok {
		return
	}
	err := isolate(func() error { return m.notifier.Notify(ctx, n) })
	if err != nil {
		m.metrics.sideEffectFailed("notify")
		monLog.Warn("notification_failed",
			slog.String("agent_id", ch.AgentID),
			slog.String("kind", string(n.Kind)),
			slog.String("error", err.Error()))
	}
}

func (m *Monitor) runCallbacks(ctx context.Context, ch StateChange) {
	m.cbMu.RLock()
	cbs := append([]StateChangeFunc(nil), m.callbacks...)
	m.cbMu.RUnlock()

	for i, cb := range cbs {
		if err := isolate(func() error { return cb(ctx, ch) }); err != nil {
			monLog.Error("state_callback_failed",
				slog.Int("callback", i),
				slog.String("agent_id", ch.AgentID),
				slog.String("error", err.Error()))
		}
	}
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n "), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
