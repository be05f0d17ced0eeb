// Package terminal discovers coding-agent sessions in a terminal
// multiplexer and reads or drives their panes.
package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	// ErrUnavailable means the multiplexer is not installed or not running.
	ErrUnavailable = errors.New("terminal backend unavailable")

	// ErrSessionNotFound means the pane no longer exists.
	ErrSessionNotFound = errors.New("terminal session not found")

	// ErrCaptureTimeout is returned when reading a pane exceeds its deadline.
	ErrCaptureTimeout = errors.New("terminal capture timed out")
)

// SessionInfo describes one pane.
type SessionInfo struct {
	// ID is the backend's stable pane identifier (tmux "%12", WezTerm "12").
	ID    string
	Name  string
	PID   int
	TTY   string
	CWD   string
	Title string
}

// Backend is a terminal multiplexer.
type Backend interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	// GetContent returns roughly the last lines rows of the pane.
	GetContent(ctx context.Context, sessionID string, lines int) (string, error)
	// SendText types text into the pane, followed by Enter when enter is set.
	SendText(ctx context.Context, sessionID, text string, enter bool) error
	FocusPane(ctx context.Context, sessionID string) error
}

// Runner executes a command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs real processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, firstArg(args), err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, firstArg(args), err)
	}
	return out, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// LookPath reports whether a binary is on PATH.
type LookPath func(file string) (string, error)

// Select returns the backend for kind: "tmux", "wezterm" or "auto".
func Select(kind string, runner Runner) Backend {
	if runner == nil {
		runner = ExecRunner{}
	}
	switch kind {
	case "tmux":
		return NewTmux(runner, exec.LookPath)
	case "wezterm":
		return NewWezTerm(runner, exec.LookPath)
	default:
		return NewAuto(NewTmux(runner, exec.LookPath), NewWezTerm(runner, exec.LookPath))
	}
}

// Auto delegates to the first available backend, checked on every call so
// a multiplexer started after the monitor is picked up.
type Auto struct {
	candidates []Backend
}

func NewAuto(candidates ...Backend) *Auto {
	return &Auto{candidates: candidates}
}

func (a *Auto) Name() string { return "auto" }

func (a *Auto) pick(ctx context.Context) (Backend, error) {
	for _, b := range a.candidates {
		if b.IsAvailable(ctx) {
			return b, nil
		}
	}
	return nil, ErrUnavailable
}

func (a *Auto) IsAvailable(ctx context.Context) bool {
	_, err := a.pick(ctx)
	return err == nil
}

func (a *Auto) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	b, err := a.pick(ctx)
	if err != nil {
		return nil, err
	}
	return b.ListSessions(ctx)
}

func (a *Auto) GetContent(ctx context.Context, sessionID string, lines int) (string, error) {
	b, err := a.pick(ctx)
	if err != nil {
		return "", err
	}
	return b.GetContent(ctx, sessionID, lines)
}

func (a *Auto) SendText(ctx context.Context, sessionID, text string, enter bool) error {
	b, err := a.pick(ctx)
	if err != nil {
		return err
	}
	return b.SendText(ctx, sessionID, text, enter)
}

func (a *Auto) FocusPane(ctx context.Context, sessionID string) error {
	b, err := a.pick(ctx)
	if err != nil {
		return err
	}
	return b.FocusPane(ctx, sessionID)
}
