package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/agent-monitor/internal/logging"
)

var backendLog = logging.ForComponent(logging.CompBackend)

const (
	tmuxCommandTimeout = 3 * time.Second
	sendChunkSize      = 4096
	sendChunkDelay     = 50 * time.Millisecond
	// Enter sent in the same burst as a bracketed paste gets swallowed by
	// Ink-based TUIs.
	enterDelay = 100 * time.Millisecond
)

// paneFormat is tab separated so paths with spaces survive.
const paneFormat = "#{session_name}\t#{pane_id}\t#{pane_pid}\t#{pane_tty}\t#{pane_current_path}\t#{pane_title}"

// Tmux drives tmux through its CLI.
type Tmux struct {
	runner   Runner
	lookPath LookPath
	capture  singleflight.Group
	sleep    func(time.Duration)
}

func NewTmux(runner Runner, lookPath LookPath) *Tmux {
	return &Tmux{runner: runner, lookPath: lookPath, sleep: time.Sleep}
}

func (t *Tmux) Name() string { return "tmux" }

func (t *Tmux) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, tmuxCommandTimeout)
	defer cancel()
	out, err := t.runner.Run(ctx, "tmux", args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrCaptureTimeout
		}
		return nil, classifyTmuxError(err)
	}
	return out, nil
}

func classifyTmuxError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no server running"),
		strings.Contains(msg, "error connecting to"),
		strings.Contains(msg, "no sessions"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case strings.Contains(msg, "can't find pane"),
		strings.Contains(msg, "can't find session"),
		strings.Contains(msg, "can't find window"):
		return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	return err
}

// IsAvailable reports whether tmux is installed and a server is running.
func (t *Tmux) IsAvailable(ctx context.Context) bool {
	if _, err := t.lookPath("tmux"); err != nil {
		return false
	}
	_, err := t.run(ctx, "list-sessions", "-F", "#{session_name}")
	return err == nil
}

// ListSessions returns every pane of every session. Each pane is its own
// session from the monitor's point of view.
func (t *Tmux) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	out, err := t.run(ctx, "list-panes", "-a", "-F", paneFormat)
	if err != nil {
		return nil, err
	}
	return parseTmuxPanes(string(out)), nil
}

func parseTmuxPanes(out string) []SessionInfo {
	var sessions []SessionInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		f := strings.SplitN(line, "\t", 6)
		if len(f) < 2 {
			continue
		}
		info := SessionInfo{Name: f[0], ID: f[1]}
		if len(f) > 2 {
			info.PID, _ = strconv.Atoi(f[2])
		}
		if len(f) > 3 {
			info.TTY = f[3]
		}
		if len(f) > 4 {
			info.CWD = f[4]
		}
		if len(f) > 5 {
			info.Title = f[5]
		}
		sessions = append(sessions, info)
	}
	return sessions
}

// GetContent captures the pane with wrapped lines joined (-J). Concurrent
// captures of the same pane share one subprocess.
func (t *Tmux) GetContent(ctx context.Context, sessionID string, lines int) (string, error) {
	if lines <= 0 {
		lines = 200
	}
	key := sessionID + ":" + strconv.Itoa(lines)
	v, err, _ := t.capture.Do(key, func() (any, error) {
		out, err := t.run(ctx, "capture-pane", "-p", "-J", "-t", sessionID, "-S", "-"+strconv.Itoa(lines))
		if err != nil {
			return "", err
		}
		return string(out), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SendText types text literally (-l), in chunks for large payloads.
func (t *Tmux) SendText(ctx context.Context, sessionID, text string, enter bool) error {
	chunks := splitChunks(text, sendChunkSize)
	for i, chunk := range chunks {
		if i > 0 {
			t.sleep(sendChunkDelay)
		}
		if _, err := t.run(ctx, "send-keys", "-l", "-t", sessionID, "--", chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	if !enter {
		return nil
	}
	t.sleep(enterDelay)
	if _, err := t.run(ctx, "send-keys", "-t", sessionID, "Enter"); err != nil {
		return fmt.Errorf("send enter: %w", err)
	}
	return nil
}

// FocusPane selects the pane's window and the pane, then switches an
// attached client to it. No attached client is not an error.
func (t *Tmux) FocusPane(ctx context.Context, sessionID string) error {
	if _, err := t.run(ctx, "select-window", "-t", sessionID); err != nil {
		return err
	}
	if _, err := t.run(ctx, "select-pane", "-t", sessionID); err != nil {
		return err
	}
	if _, err := t.run(ctx, "switch-client", "-t", sessionID); err != nil {
		backendLog.Debug("tmux_switch_client_skipped",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
	return nil
}

// splitChunks splits s into pieces of at most size bytes, preferring
// newline boundaries and never splitting a UTF-8 sequence.
func splitChunks(s string, size int) []string {
	if len(s) <= size {
		return []string{s}
	}
	var chunks []string
	for len(s) > size {
		cut := strings.LastIndexByte(s[:size], '\n')
		if cut <= 0 {
			cut = size
			for cut > 0 && !utf8Start(s[cut]) {
				cut--
			}
			if cut == 0 {
				cut = size
			}
		} else {
			cut++
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
