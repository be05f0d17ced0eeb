// Package priority ranks tasks across projects by how urgently each needs
// the developer. Rankings are recomputed lazily after a task finishes.
package priority

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/agent-monitor/internal/events"
	"github.com/asheshgoplani/agent-monitor/internal/inference"
	"github.com/asheshgoplani/agent-monitor/internal/logging"
	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
	"github.com/asheshgoplani/agent-monitor/internal/store"
)

var prioLog = logging.ForComponent(logging.CompPriority)

// Source is the read side of the store the ranking needs.
type Source interface {
	ListAgents() []store.Agent
	ListTasks(agentID string) ([]store.Task, error)
}

// Score is one ranked task.
type Score struct {
	AgentID     string             `json:"agent_id"`
	TaskID      string             `json:"task_id"`
	SessionName string             `json:"session_name"`
	State       statemachine.State `json:"state"`
	Summary     string             `json:"summary,omitempty"`
	Score       int                `json:"score"`
	Reason      string             `json:"reason,omitempty"`
}

// Service caches the last ranking. It is safe for concurrent use.
type Service struct {
	src  Source
	llm  inference.Service
	emit events.Emitter
	now  func() time.Time

	// group collapses concurrent recomputes into one model call.
	group singleflight.Group

	mu         sync.Mutex
	stale      bool
	gen        uint64 // bumped by MarkStale
	scores     []Score
	computedAt time.Time
}

// New returns a Service that starts stale.
func New(src Source, llm inference.Service, emit events.Emitter) *Service {
	if llm == nil {
		llm = inference.Disabled{}
	}
	return &Service{src: src, llm: llm, emit: emit, now: time.Now, stale: true}
}

// MarkStale flags the ranking for recomputation and broadcasts
// priorities_invalidated.
func (s *Service) MarkStale(reason, taskID string) {
	s.mu.Lock()
	s.stale = true
	s.gen++
	s.mu.Unlock()
	if s.emit != nil {
		s.emit.Emit(events.PrioritiesInvalidated{Reason: reason, TaskID: taskID})
	}
}

func (s *Service) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// ComputedAt is when the cached ranking was produced.
func (s *Service) ComputedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.computedAt
}

// Scores returns the ranking, highest first, recomputing it when stale.
// When the model call fails the previous ranking (or, before the first
// success, the per-task quick scores) is returned and the error logged.
// The model is called without holding the cache lock, so MarkStale never
// waits on inference.
func (s *Service) Scores(ctx context.Context) ([]Score, error) {
	s.mu.Lock()
	if !s.stale && s.scores != nil {
		out := append([]Score(nil), s.scores...)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	v, _, _ := s.group.Do("scores", func() (any, error) {
		return s.recompute(ctx), nil
	})
	return append([]Score(nil), v.([]Score)...), nil
}

func (s *Service) recompute(ctx context.Context) []Score {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	candidates := s.candidates()
	if len(candidates) == 0 {
		s.publish(gen, []Score{})
		return []Score{}
	}

	ranked, err := s.rank(ctx, candidates)
	if err != nil {
		prioLog.Warn("full_priority_failed", slog.String("error", err.Error()))
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.scores != nil {
			return append([]Score(nil), s.scores...)
		}
		return sortScores(candidates)
	}
	s.publish(gen, ranked)
	return ranked
}

// publish caches scores computed from the generation gen. An invalidation
// that arrived meanwhile leaves the cache stale.
func (s *Service) publish(gen uint64, scores []Score) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = scores
	s.computedAt = s.now()
	s.stale = s.gen != gen
}

// candidates picks each agent's current task, or its latest one.
func (s *Service) candidates() []Score {
	var out []Score
	for _, a := range s.src.ListAgents() {
		tasks, err := s.src.ListTasks(a.ID)
		if err != nil || len(tasks) == 0 {
			continue
		}
		t := tasks[len(tasks)-1]
		if a.CurrentTaskID != "" {
			for _, cand := range tasks {
				if cand.ID == a.CurrentTaskID {
					t = cand
				}
			}
		}
		sc := Score{
			AgentID:     a.ID,
			TaskID:      t.ID,
			SessionName: a.SessionName,
			State:       t.State,
			Summary:     t.CommandSummary,
			Reason:      t.PriorityReason,
		}
		if t.PriorityScore != nil {
			sc.Score = *t.PriorityScore
		}
		out = append(out, sc)
	}
	return out
}

func (s *Service) rank(ctx context.Context, candidates []Score) ([]Score, error) {
	var b strings.Builder
	for _, c := range candidates {
		summary := c.Summary
		if summary == "" {
			summary = c.SessionName
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\n", c.AgentID, c.State, summary)
	}
	res, err := s.llm.Call(ctx, inference.Request{
		Purpose:  inference.FullPriority,
		Input:    b.String(),
		UseCache: true,
	})
	if err != nil {
		return nil, err
	}
	items, ok := res.Data["priorities"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: priorities is not a list", inference.ErrBadResponse)
	}

	byAgent := make(map[string]int, len(candidates))
	for i, c := range candidates {
		byAgent[c.AgentID] = i
	}
	out := append([]Score(nil), candidates...)
	for _, raw := range items {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		item := &inference.Result{Data: m}
		i, ok := byAgent[item.String("agent_id")]
		if !ok {
			continue
		}
		if score, ok := item.Int("score"); ok {
			out[i].Score = clamp(score)
		}
		if reason := item.String("reason"); reason != "" {
			out[i].Reason = reason
		}
	}
	return sortScores(out), nil
}

func sortScores(in []Score) []Score {
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].Score != in[j].Score {
			return in[i].Score > in[j].Score
		}
		return in[i].AgentID < in[j].AgentID
	})
	return in
}

func clamp(n int) int {
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	}
	return n
}
