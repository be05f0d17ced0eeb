package terminal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const weztermList = `[
  {"window_id":0,"tab_id":0,"pane_id":0,"workspace":"default","title":"zsh","tab_title":"","cwd":"file://mbp/Users/me","tty_name":"/dev/ttys001"},
  {"window_id":0,"tab_id":1,"pane_id":5,"workspace":"default","title":"✳ Claude Code","tab_title":"claude-api","cwd":"file://mbp/Users/me/src/api","tty_name":"/dev/ttys002"}
]`

func newTestWezTerm(r *fakeRunner, lp LookPath) *WezTerm {
	w := NewWezTerm(r, lp)
	w.sleep = func(time.Duration) {}
	return w
}

func TestWezTermListSessions(t *testing.T) {
	r := newFakeRunner()
	r.responses["cli list"] = weztermList
	w := newTestWezTerm(r, found)

	require.True(t, w.IsAvailable(context.Background()))
	sessions, err := w.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, "zsh", sessions[0].Name)
	assert.Equal(t, "/Users/me", sessions[0].CWD)
	assert.Equal(t, SessionInfo{ID: "5", Name: "claude-api", TTY: "/dev/ttys002", CWD: "/Users/me/src/api", Title: "✳ Claude Code"}, sessions[1])
}

func TestWezTermBadJSON(t *testing.T) {
	r := newFakeRunner()
	r.responses["cli list"] = "not json"
	_, err := newTestWezTerm(r, found).ListSessions(context.Background())
	assert.Error(t, err)
}

func TestWezTermUnavailable(t *testing.T) {
	r := newFakeRunner()
	r.errs["cli"] = errors.New("failed to connect to wezterm mux")
	w := newTestWezTerm(r, found)
	assert.False(t, w.IsAvailable(context.Background()))

	_, err := w.GetContent(context.Background(), "5", 10)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestWezTermCommands(t *testing.T) {
	r := newFakeRunner()
	w := newTestWezTerm(r, found)
	ctx := context.Background()

	_, err := w.GetContent(ctx, "5", 80)
	require.NoError(t, err)
	require.NoError(t, w.SendText(ctx, "5", "y", true))
	require.NoError(t, w.FocusPane(ctx, "5"))

	assert.Equal(t, []string{
		"wezterm cli get-text --pane-id 5 --start-line -80",
		"wezterm cli send-text --pane-id 5 --no-paste -- y",
		"wezterm cli send-text --pane-id 5 --no-paste \r",
		"wezterm cli activate-pane --pane-id 5",
	}, r.recorded())
}

func TestAutoPicksFirstAvailable(t *testing.T) {
	tr := newFakeRunner()
	tr.errs["list-sessions"] = errors.New("no server running")
	wr := newFakeRunner()
	wr.responses["cli list"] = weztermList

	auto := NewAuto(newTestTmux(tr, found), newTestWezTerm(wr, found))
	sessions, err := auto.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	none := NewAuto(newTestTmux(newFakeRunner(), missing), newTestWezTerm(newFakeRunner(), missing))
	assert.False(t, none.IsAvailable(context.Background()))
	_, err = none.ListSessions(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}
