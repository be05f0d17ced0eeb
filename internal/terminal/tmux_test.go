package terminal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTmux(r *fakeRunner, lp LookPath) *Tmux {
	t := NewTmux(r, lp)
	t.sleep = func(time.Duration) {}
	return t
}

func TestTmuxListSessions(t *testing.T) {
	r := newFakeRunner()
	r.responses["list-panes"] = "claude-api\t%3\t4242\t/dev/ttys003\t/home/me/api\t✳ Claude Code\n" +
		"scratch\t%4\t4343\t/dev/ttys004\t/tmp\tzsh\n" +
		"claude-web\t%7\t99\t/dev/ttys007\t/home/me/my web\t\n"
	tm := newTestTmux(r, found)

	sessions, err := tm.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	assert.Equal(t, SessionInfo{ID: "%3", Name: "claude-api", PID: 4242, TTY: "/dev/ttys003", CWD: "/home/me/api", Title: "✳ Claude Code"}, sessions[0])
	assert.Equal(t, "/home/me/my web", sessions[2].CWD)
	assert.Equal(t, []string{"tmux list-panes -a -F " + paneFormat}, r.recorded())
}

func TestTmuxNoServerIsUnavailable(t *testing.T) {
	r := newFakeRunner()
	r.errs["list-"] = errors.New("exit status 1: no server running on /tmp/tmux-501/default")
	tm := newTestTmux(r, found)

	assert.False(t, tm.IsAvailable(context.Background()))
	_, err := tm.ListSessions(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestTmuxMissingBinary(t *testing.T) {
	r := newFakeRunner()
	tm := newTestTmux(r, missing)
	assert.False(t, tm.IsAvailable(context.Background()))
	assert.Empty(t, r.recorded())
}

func TestTmuxGetContent(t *testing.T) {
	r := newFakeRunner()
	r.responses["capture-pane"] = "hello\n> "
	tm := newTestTmux(r, found)

	out, err := tm.GetContent(context.Background(), "%3", 50)
	require.NoError(t, err)
	assert.Equal(t, "hello\n> ", out)
	assert.Equal(t, []string{"tmux capture-pane -p -J -t %3 -S -50"}, r.recorded())
}

func TestTmuxGetContentMissingPane(t *testing.T) {
	r := newFakeRunner()
	r.errs["capture-pane"] = errors.New("can't find pane: %9")
	tm := newTestTmux(r, found)

	_, err := tm.GetContent(context.Background(), "%9", 10)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTmuxSendTextWithEnter(t *testing.T) {
	r := newFakeRunner()
	tm := newTestTmux(r, found)

	require.NoError(t, tm.SendText(context.Background(), "%3", "yes", true))
	assert.Equal(t, []string{
		"tmux send-keys -l -t %3 -- yes",
		"tmux send-keys -t %3 Enter",
	}, r.recorded())
}

func TestTmuxFocusIgnoresDetachedClient(t *testing.T) {
	r := newFakeRunner()
	r.errs["switch-client"] = errors.New("no current client")
	tm := newTestTmux(r, found)

	require.NoError(t, tm.FocusPane(context.Background(), "%3"))
	assert.Len(t, r.recorded(), 3)
}

func TestSplitChunks(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitChunks("short", 10))

	chunks := splitChunks("aaaa\nbbbb\ncccc", 6)
	assert.Equal(t, []string{"aaaa\n", "bbbb\n", "cccc"}, chunks)

	text := strings.Repeat("é", 10) // 20 bytes
	chunks = splitChunks(text, 5)
	assert.Equal(t, text, strings.Join(chunks, ""))
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 5)
		assert.True(t, utf8Start(c[0]))
	}
}
