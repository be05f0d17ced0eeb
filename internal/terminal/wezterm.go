package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const weztermCommandTimeout = 3 * time.Second

// WezTerm drives WezTerm through `wezterm cli`.
type WezTerm struct {
	runner   Runner
	lookPath LookPath
	sleep    func(time.Duration)
}

func NewWezTerm(runner Runner, lookPath LookPath) *WezTerm {
	return &WezTerm{runner: runner, lookPath: lookPath, sleep: time.Sleep}
}

func (w *WezTerm) Name() string { return "wezterm" }

func (w *WezTerm) cli(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, weztermCommandTimeout)
	defer cancel()
	out, err := w.runner.Run(ctx, "wezterm", append([]string{"cli"}, args...)...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrCaptureTimeout
		}
		msg := err.Error()
		switch {
		case strings.Contains(msg, "failed to connect"),
			strings.Contains(msg, "No such file or directory"):
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		case strings.Contains(msg, "pane") && strings.Contains(msg, "not found"):
			return nil, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
		}
		return nil, err
	}
	return out, nil
}

func (w *WezTerm) IsAvailable(ctx context.Context) bool {
	if _, err := w.lookPath("wezterm"); err != nil {
		return false
	}
	_, err := w.cli(ctx, "list", "--format", "json")
	return err == nil
}

type weztermPane struct {
	WindowID  int    `json:"window_id"`
	TabID     int    `json:"tab_id"`
	PaneID    int    `json:"pane_id"`
	Workspace string `json:"workspace"`
	Title     string `json:"title"`
	TabTitle  string `json:"tab_title"`
	CWD       string `json:"cwd"`
	TTYName   string `json:"tty_name"`
}

// ListSessions names each pane after its tab title when one is set,
// otherwise after the pane title.
func (w *WezTerm) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	out, err := w.cli(ctx, "list", "--format", "json")
	if err != nil {
		return nil, err
	}
	return parseWezTermPanes(out)
}

func parseWezTermPanes(out []byte) ([]SessionInfo, error) {
	var panes []weztermPane
	if err := json.Unmarshal(out, &panes); err != nil {
		return nil, fmt.Errorf("wezterm list: %w", err)
	}
	sessions := make([]SessionInfo, 0, len(panes))
	for _, p := range panes {
		name := p.TabTitle
		if name == "" {
			name = p.Title
		}
		sessions = append(sessions, SessionInfo{
			ID:    strconv.Itoa(p.PaneID),
			Name:  name,
			TTY:   p.TTYName,
			CWD:   cwdFromURL(p.CWD),
			Title: p.Title,
		})
	}
	return sessions, nil
}

// cwdFromURL turns WezTerm's file://host/path into a path.
func cwdFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "file" {
		return raw
	}
	return u.Path
}

func (w *WezTerm) GetContent(ctx context.Context, sessionID string, lines int) (string, error) {
	if lines <= 0 {
		lines = 200
	}
	out, err := w.cli(ctx, "get-text", "--pane-id", sessionID, "--start-line", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// SendText uses --no-paste so the agent sees typed input rather than a
// bracketed paste.
func (w *WezTerm) SendText(ctx context.Context, sessionID, text string, enter bool) error {
	for i, chunk := range splitChunks(text, sendChunkSize) {
		if i > 0 {
			w.sleep(sendChunkDelay)
		}
		if _, err := w.cli(ctx, "send-text", "--pane-id", sessionID, "--no-paste", "--", chunk); err != nil {
			return err
		}
	}
	if !enter {
		return nil
	}
	w.sleep(enterDelay)
	_, err := w.cli(ctx, "send-text", "--pane-id", sessionID, "--no-paste", "\r")
	return err
}

func (w *WezTerm) FocusPane(ctx context.Context, sessionID string) error {
	_, err := w.cli(ctx, "activate-pane", "--pane-id", sessionID)
	return err
}
