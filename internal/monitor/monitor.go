// Package monitor is the governing agent: it polls terminal panes, accepts
// proposals from the hook receiver, and turns both into committed task
// transitions followed by their side effects.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-monitor/internal/config"
	"github.com/asheshgoplani/agent-monitor/internal/events"
	"github.com/asheshgoplani/agent-monitor/internal/inference"
	"github.com/asheshgoplani/agent-monitor/internal/interpreter"
	"github.com/asheshgoplani/agent-monitor/internal/logging"
	"github.com/asheshgoplani/agent-monitor/internal/notify"
	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
	"github.com/asheshgoplani/agent-monitor/internal/store"
	"github.com/asheshgoplani/agent-monitor/internal/terminal"
)

var monLog = logging.ForComponent(logging.CompMonitor)

// Interpreter classifies captured pane text.
type Interpreter interface {
	Interpret(ctx context.Context, content string) interpreter.Result
}

// Notifier delivers attention notifications.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// PriorityInvalidator is told when a finished task changes the ranking.
type PriorityInvalidator interface {
	MarkStale(reason, taskID string)
}

// HookActivity reports when the last lifecycle hook arrived.
type HookActivity interface {
	LastActivity() time.Time
}

// Config holds the poll loop settings.
type Config struct {
	SessionPrefix           string
	CaptureLines            int
	PollInterval            time.Duration
	HooksActivePollInterval time.Duration
	HookSessionTimeout      time.Duration
	SideEffectTimeout       time.Duration
}

// ConfigFrom reads the [monitor] section.
func ConfigFrom(s config.MonitorSettings) Config {
	return Config{
		SessionPrefix:           s.GetSessionPrefix(),
		CaptureLines:            s.GetCaptureLines(),
		PollInterval:            s.GetPollInterval(),
		HooksActivePollInterval: s.GetHooksActivePollInterval(),
		HookSessionTimeout:      s.GetHookSessionTimeout(),
		SideEffectTimeout:       s.GetSideEffectTimeout(),
	}
}

func (c Config) withDefaults() Config {
	if c.SessionPrefix == "" {
		c.SessionPrefix = config.DefaultSessionPrefix
	}
	if c.CaptureLines <= 0 {
		c.CaptureLines = config.DefaultCaptureLines
	}
	if c.PollInterval <= 0 {
		c.PollInterval = config.DefaultPollInterval
	}
	if c.HooksActivePollInterval <= 0 {
		c.HooksActivePollInterval = config.DefaultHooksActivePollInterval
	}
	if c.HookSessionTimeout <= 0 {
		c.HookSessionTimeout = config.DefaultHookSessionTimeout
	}
	if c.SideEffectTimeout <= 0 {
		c.SideEffectTimeout = config.DefaultSideEffectTimeout
	}
	return c
}

// StateChange describes one committed transition, as passed to callbacks.
type StateChange struct {
	AgentID    string
	TaskID     string
	From       statemachine.State
	To         statemachine.State
	Trigger    statemachine.Trigger
	Source     Source
	Confidence float64
	At         time.Time
}

// StateChangeFunc is a registered callback. Errors and panics are logged
// and do not affect other callbacks.
type StateChangeFunc func(ctx context.Context, ch StateChange) error

type snapshot struct {
	agentID string
	state   statemachine.State
	hash    string
	at      time.Time
}

// Monitor owns the poll loop and the shared transition handler.
type Monitor struct {
	cfg      Config
	backend  terminal.Backend
	interp   Interpreter
	store    *store.Store
	emit     events.Emitter
	llm      inference.Service
	notifier Notifier
	priority PriorityInvalidator
	metrics  *Metrics
	machine  *statemachine.Machine
	now      func() time.Time

	hooksMu sync.RWMutex
	hooks   HookActivity

	locks keyedMutex

	snapMu    sync.Mutex
	snapshots map[string]snapshot

	cbMu      sync.RWMutex
	callbacks []StateChangeFunc

	queueMu sync.Mutex
	queues  map[string]*effectQueue
	effects sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithEmitter(e events.Emitter) Option { return func(m *Monitor) { m.emit = e } }

func WithInference(s inference.Service) Option { return func(m *Monitor) { m.llm = s } }

func WithNotifier(n Notifier) Option { return func(m *Monitor) { m.notifier = n } }

func WithPriority(p PriorityInvalidator) Option { return func(m *Monitor) { m.priority = p } }

func WithHookActivity(h HookActivity) Option { return func(m *Monitor) { m.hooks = h } }

func WithMetrics(mt *Metrics) Option { return func(m *Monitor) { m.metrics = mt } }

// WithClock replaces time.Now for interval and timestamp decisions.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New wires a Monitor. backend, interp and st are required.
func New(cfg Config, backend terminal.Backend, interp Interpreter, st *store.Store, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:       cfg.withDefaults(),
		backend:   backend,
		interp:    interp,
		store:     st,
		llm:       inference.Disabled{},
		now:       time.Now,
		snapshots: make(map[string]snapshot),
		queues:    make(map[string]*effectQueue),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.emit == nil {
		m.emit = events.NewBus()
	}
	if m.metrics == nil {
		m.metrics = defaultMetrics()
	}
	m.machine = statemachine.New(m.now)
	return m
}

// AttachHookActivity sets the hook liveness source after construction; the
// hook receiver itself needs the Monitor, so one of the two is wired late.
func (m *Monitor) AttachHookActivity(h HookActivity) {
	m.hooksMu.Lock()
	m.hooks = h
	m.hooksMu.Unlock()
}

// OnStateChange registers fn for every committed transition.
func (m *Monitor) OnStateChange(fn StateChangeFunc) {
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.cbMu.Unlock()
}

// Store exposes the agent store for read-side consumers.
func (m *Monitor) Store() *store.Store { return m.store }

// Backend returns the terminal backend.
func (m *Monitor) Backend() terminal.Backend { return m.backend }

// Wait blocks until all dispatched side effects have finished.
func (m *Monitor) Wait() { m.effects.Wait() }

// PollInterval is the delay before the next poll: long while hooks are
// live, short otherwise.
func (m *Monitor) PollInterval() time.Duration {
	m.hooksMu.RLock()
	h := m.hooks
	m.hooksMu.RUnlock()
	if h != nil {
		last := h.LastActivity()
		if !last.IsZero() && m.now().Sub(last) < m.cfg.HookSessionTimeout {
			return m.cfg.HooksActivePollInterval
		}
	}
	return m.cfg.PollInterval
}

// HooksLive reports whether the long interval is in effect.
func (m *Monitor) HooksLive() bool {
	return m.PollInterval() == m.cfg.HooksActivePollInterval &&
		m.cfg.HooksActivePollInterval != m.cfg.PollInterval
}

// Run polls until ctx is cancelled, then waits for in-flight side effects.
func (m *Monitor) Run(ctx context.Context) error {
	monLog.Info("monitor_started",
		slog.String("backend", m.backend.Name()),
		slog.String("session_prefix", m.cfg.SessionPrefix),
		slog.Duration("poll_interval", m.cfg.PollInterval),
		slog.Duration("hooks_active_poll_interval", m.cfg.HooksActivePollInterval))
	defer m.Wait()
	for {
		m.PollAgents(ctx)
		interval := m.PollInterval()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			monLog.Info("monitor_stopped")
			return nil
		case <-timer.C:
		}
	}
}
