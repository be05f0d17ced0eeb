// Package notify delivers attention notifications when a task starts
// waiting on its user or finishes.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-monitor/internal/logging"
	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
)

var notifyLog = logging.ForComponent(logging.CompNotif)

// Kind is what the notification is about.
type Kind string

const (
	KindAwaitingInput Kind = "awaiting_input"
	KindComplete      Kind = "complete"
)

// Notification is one user-facing alert.
type Notification struct {
	AgentID     string             `json:"agent_id"`
	TaskID      string             `json:"task_id,omitempty"`
	SessionName string             `json:"session_name,omitempty"`
	Kind        Kind               `json:"kind"`
	From        statemachine.State `json:"from"`
	To          statemachine.State `json:"to"`
	Title       string             `json:"title"`
	Body        string             `json:"body"`
	Time        time.Time          `json:"time"`
}

// ShouldNotify reports whether the transition warrants a notification.
// Only a running task stopping for the user qualifies.
func ShouldNotify(from, to statemachine.State) bool {
	if from != statemachine.Processing {
		return false
	}
	return to == statemachine.AwaitingInput || to == statemachine.Complete
}

// Build renders the notification for a qualifying transition. detail is
// the command summary or agent question, and may be empty.
func Build(agentID, taskID, sessionName, detail string, from, to statemachine.State, at time.Time) (Notification, bool) {
	if !ShouldNotify(from, to) {
		return Notification{}, false
	}
	n := Notification{
		AgentID:     agentID,
		TaskID:      taskID,
		SessionName: sessionName,
		From:        from,
		To:          to,
		Time:        at,
		Body:        detail,
	}
	label := sessionName
	if label == "" {
		label = agentID
	}
	switch to {
	case statemachine.AwaitingInput:
		n.Kind = KindAwaitingInput
		n.Title = label + " needs input"
		if n.Body == "" {
			n.Body = "The agent is waiting for your answer."
		}
	case statemachine.Complete:
		n.Kind = KindComplete
		n.Title = label + " finished"
		if n.Body == "" {
			n.Body = "The task is complete."
		}
	}
	return n, true
}

// Sender delivers to one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Service fans a notification out to every sender. With a cooldown set,
// repeats for the same task and kind inside the window are dropped.
type Service struct {
	senders  []Sender
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewService returns a Service. A non-positive cooldown disables dedupe.
func NewService(cooldown time.Duration, senders ...Sender) *Service {
	return &Service{
		senders:  senders,
		cooldown: cooldown,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// SetClock replaces the dedupe clock.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Notify delivers n. A suppressed duplicate is not an error. Sender
// failures are joined; one failing sender does not stop the others.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if s == nil {
		return nil
	}
	if s.duplicate(n) {
		notifyLog.Debug("notification_suppressed",
			slog.String("agent_id", n.AgentID),
			slog.String("kind", string(n.Kind)))
		return nil
	}

	var errs []error
	for _, sender := range s.senders {
		if err := sender.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sender.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) duplicate(n Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cooldown <= 0 {
		return false
	}
	now := s.now()
	key := n.AgentID + "|" + n.TaskID + "|" + string(n.Kind)
	if at, ok := s.last[key]; ok && now.Sub(at) < s.cooldown {
		return true
	}
	s.last[key] = now
	for k, at := range s.last {
		if now.Sub(at) > s.cooldown {
			delete(s.last, k)
		}
	}
	return false
}

// LogSender writes each notification as a structured log line.
type LogSender struct {
	Logger *slog.Logger
}

func (LogSender) Name() string { return "log" }

func (l LogSender) Send(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = notifyLog
	}
	logger.Info("notification",
		slog.String("agent_id", n.AgentID),
		slog.String("task_id", n.TaskID),
		slog.String("kind", string(n.Kind)),
		slog.String("title", n.Title),
		slog.String("body", n.Body))
	return nil
}
