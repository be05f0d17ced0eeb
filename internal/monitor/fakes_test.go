package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/asheshgoplani/agent-monitor/internal/events"
	"github.com/asheshgoplani/agent-monitor/internal/inference"
	"github.com/asheshgoplani/agent-monitor/internal/interpreter"
	"github.com/asheshgoplani/agent-monitor/internal/notify"
	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
	"github.com/asheshgoplani/agent-monitor/internal/store"
	"github.com/asheshgoplani/agent-monitor/internal/terminal"
)

type fakeBackend struct {
	mu         sync.Mutex
	available  bool
	sessions   []terminal.SessionInfo
	content    map[string]string
	captureErr map[string]error
	sendErr    error
	sent       []string
	focused    []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		available:  true,
		content:    make(map[string]string),
		captureErr: make(map[string]error),
	}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) IsAvailable(context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

func (b *fakeBackend) ListSessions(context.Context) ([]terminal.SessionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]terminal.SessionInfo(nil), b.sessions...), nil
}

func (b *fakeBackend) GetContent(_ context.Context, id string, _ int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.captureErr[id]; err != nil {
		return "", err
	}
	return b.content[id], nil
}

func (b *fakeBackend) SendText(_ context.Context, id, text string, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, id+":"+text)
	return nil
}

func (b *fakeBackend) FocusPane(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.focused = append(b.focused, id)
	return nil
}

func (b *fakeBackend) set(id, content string) {
	b.mu.Lock()
	b.content[id] = content
	b.mu.Unlock()
}

// scriptedInterp maps exact pane content onto a result.
type scriptedInterp map[string]interpreter.Result

func (s scriptedInterp) Interpret(_ context.Context, content string) interpreter.Result {
	if r, ok := s[content]; ok {
		return r
	}
	return interpreter.Result{State: statemachine.Idle, Confidence: 0.3, Method: interpreter.MethodLLM}
}

type captureEmitter struct {
	mu  sync.Mutex
	got []events.Payload
}

func (c *captureEmitter) Emit(p events.Payload) {
	c.mu.Lock()
	c.got = append(c.got, p)
	c.mu.Unlock()
}

func (c *captureEmitter) stateChanges() []events.TaskStateChanged {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.TaskStateChanged
	for _, p := range c.got {
		if ev, ok := p.(events.TaskStateChanged); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (c *captureEmitter) kinds() []events.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Kind
	for _, p := range c.got {
		out = append(out, p.Kind())
	}
	return out
}

type fakeLLM struct {
	mu     sync.Mutex
	calls  []inference.Purpose
	data   map[inference.Purpose]map[string]any
	err    error
	onCall func(req inference.Request)
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{data: map[inference.Purpose]map[string]any{
		inference.SummarizeCommand: {"summary": "Fix login bug"},
		inference.ClassifyResponse: {"category": "permission", "urgency": "high", "summary": "Allow edit to main.go?"},
		inference.QuickPriority:    {"score": 80, "reason": "user is waiting"},
	}}
}

func (f *fakeLLM) Call(_ context.Context, req inference.Request) (*inference.Result, error) {
	if f.onCall != nil {
		f.onCall(req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Purpose)
	if f.err != nil {
		return nil, f.err
	}
	return &inference.Result{Data: f.data[req.Purpose]}, nil
}

func (f *fakeLLM) count(p inference.Purpose) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == p {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
	err error
}

func (f *fakeNotifier) Notify(_ context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, n)
	return f.err
}

func (f *fakeNotifier) sent() []notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Notification(nil), f.got...)
}

type fakePriority struct {
	mu     sync.Mutex
	stales []string
}

func (f *fakePriority) MarkStale(reason, taskID string) {
	f.mu.Lock()
	f.stales = append(f.stales, reason+":"+taskID)
	f.mu.Unlock()
}

type fakeHooks struct {
	mu   sync.Mutex
	last time.Time
}

func (f *fakeHooks) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeHooks) touch(at time.Time) {
	f.mu.Lock()
	f.last = at
	f.mu.Unlock()
}

type harness struct {
	m        *Monitor
	store    *store.Store
	backend  *fakeBackend
	emit     *captureEmitter
	llm      *fakeLLM
	notifier *fakeNotifier
	priority *fakePriority
	interp   scriptedInterp
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    store.New(nil),
		backend:  newFakeBackend(),
		emit:     &captureEmitter{},
		llm:      newFakeLLM(),
		notifier: &fakeNotifier{},
		priority: &fakePriority{},
		interp:   scriptedInterp{},
	}
	all := append([]Option{
		WithEmitter(h.emit),
		WithInference(h.llm),
		WithNotifier(h.notifier),
		WithPriority(h.priority),
		WithMetrics(MustNewMetrics(prometheus.NewRegistry())),
	}, opts...)
	h.m = New(Config{SideEffectTimeout: time.Second}, h.backend, h.interp, h.store, all...)
	return h
}

func (h *harness) agent(t *testing.T, sessionID string) store.Agent {
	t.Helper()
	a, err := h.store.CreateAgent(store.Agent{TerminalSessionID: sessionID, SessionName: "claude-" + sessionID})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

// drive applies proposals one at a time, waiting for each one's side
// effects.
func (h *harness) drive(t *testing.T, agentID string, src Source, states ...statemachine.State) {
	t.Helper()
	for _, s := range states {
		out, err := h.m.HandleTransition(context.Background(), Proposal{AgentID: agentID, To: s, Source: src, Confidence: 1})
		if err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
		if !out.Committed() {
			t.Fatalf("transition to %s skipped: %s", s, out.Skipped)
		}
		h.m.Wait()
	}
}
