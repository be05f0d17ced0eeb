package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/asheshgoplani/agent-monitor/internal/config"
	"github.com/asheshgoplani/agent-monitor/internal/hooks"
)

const (
	hookPostTimeout = 2 * time.Second
	maxHookInput    = 1 << 20
)

// newHookCmd is what Claude Code runs for every configured hook event. It
// must never block the session or fail it: every path exits 0, and an
// event the server could not take is spooled for the watcher to replay.
func newHookCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hook [event]",
		Short: "Forward a Claude Code hook event from stdin to the monitor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if isTTY(os.Stdin) {
				fmt.Fprintln(cmd.ErrOrStderr(), "usage: agent-monitor hook [event] < payload.json")
				fmt.Fprintln(cmd.ErrOrStderr(), "This command is invoked by Claude Code hooks; see `agent-monitor hooks install`.")
				return nil
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			forwardHook(cmd.Context(), g, name, cmd.InOrStdin(), cmd.ErrOrStderr())
			return nil
		},
	}
}

func isTTY(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// forwardHook posts the payload and falls back to the spool. Problems are
// reported on errOut only.
func forwardHook(ctx context.Context, g *globalOptions, name string, in io.Reader, errOut io.Writer) {
	body, err := io.ReadAll(io.LimitReader(in, maxHookInput))
	if err != nil {
		fmt.Fprintf(errOut, "agent-monitor hook: read stdin: %v\n", err)
		return
	}
	ev, err := hooks.DecodeEvent(name, body)
	if err != nil {
		fmt.Fprintf(errOut, "agent-monitor hook: %v\n", err)
		return
	}

	cfg, dataDir, err := loadConfig(g)
	if cfg == nil {
		fmt.Fprintf(errOut, "agent-monitor hook: %v\n", err)
		return
	}
	if !cfg.Hooks.GetEnabled() {
		return
	}

	if err := postHook(ctx, hookURL(cfg, ev.Type), body); err == nil {
		return
	}
	if _, err := hooks.WriteSpool(cfg.Hooks.GetSpoolDir(dataDir), string(ev.Type), body); err != nil {
		fmt.Fprintf(errOut, "agent-monitor hook: spool: %v\n", err)
	}
}

func hookURL(cfg *config.Config, t hooks.EventType) string {
	return cfg.Hooks.GetServerURL(cfg.Server) + "/hook/" + string(t)
}

func postHook(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, hookPostTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
