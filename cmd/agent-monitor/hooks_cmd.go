package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-monitor/internal/hooks"
)

type hooksOptions struct {
	configDir string
	command   string
}

func newHooksCmd(g *globalOptions) *cobra.Command {
	opts := &hooksOptions{}
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Manage the Claude Code hook entries in settings.json",
	}
	cmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", "", "Claude config directory (default $CLAUDE_CONFIG_DIR or ~/.claude)")

	install := &cobra.Command{
		Use:   "install",
		Short: "Register agent-monitor for the supported hook events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := opts.resolveDir()
			if err != nil {
				return err
			}
			changed, err := hooks.Install(dir, opts.command)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if changed {
				fmt.Fprintf(out, "Installed hooks in %s\n", filepath.Join(dir, "settings.json"))
			} else {
				fmt.Fprintln(out, "Hooks already installed")
			}
			return nil
		},
	}
	install.Flags().StringVar(&opts.command, "command", hooks.HookCommand, "command Claude Code runs for each event")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove agent-monitor hook entries, keeping everything else",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := opts.resolveDir()
			if err != nil {
				return err
			}
			changed, err := hooks.Uninstall(dir)
			if err != nil {
				return err
			}
			if changed {
				fmt.Fprintln(cmd.OutOrStdout(), "Removed hooks")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "No hooks to remove")
			}
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show hook installation, spool backlog and receiver stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := opts.resolveDir()
			if err != nil {
				return err
			}
			return printHookStatus(cmd.Context(), cmd.OutOrStdout(), g, dir)
		},
	}

	cmd.AddCommand(install, uninstall, status)
	return cmd
}

func (o *hooksOptions) resolveDir() (string, error) {
	if o.configDir != "" {
		return o.configDir, nil
	}
	return hooks.ConfigDir()
}

func printHookStatus(ctx context.Context, out io.Writer, g *globalOptions, claudeDir string) error {
	cfg, dataDir, err := loadConfig(g)
	if cfg == nil {
		return err
	}

	installed := "no"
	if hooks.Installed(claudeDir) {
		installed = "yes"
	}
	fmt.Fprintf(out, "Installed:  %s (%s)\n", installed, claudeDir)
	fmt.Fprintf(out, "Enabled:    %t\n", cfg.Hooks.GetEnabled())

	spoolDir := cfg.Hooks.GetSpoolDir(dataDir)
	fmt.Fprintf(out, "Spooled:    %d (%s)\n", countSpooled(spoolDir), spoolDir)

	url := cfg.Hooks.GetServerURL(cfg.Server)
	stats, err := fetchHookStatus(ctx, url)
	if err != nil {
		fmt.Fprintf(out, "Server:     unreachable (%s)\n", url)
		return nil
	}
	fmt.Fprintf(out, "Server:     %s\n", url)
	if stats.Stats == nil {
		fmt.Fprintln(out, "Receiver:   disabled")
		return nil
	}
	s := stats.Stats
	fmt.Fprintf(out, "Sessions:   %d\n", s.Sessions)
	fmt.Fprintf(out, "Transitions: %d  ignored: %d  errors: %d\n", s.Transitions, s.Ignored, s.Errors)
	if s.LastActivity != nil {
		fmt.Fprintf(out, "Last event: %s ago\n", time.Since(*s.LastActivity).Round(time.Second))
	}
	return nil
}

func countSpooled(dir string) int {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0
	}
	return len(matches)
}

type hookStatusResponse struct {
	Enabled bool         `json:"enabled"`
	Stats   *hooks.Stats `json:"stats,omitempty"`
}

func fetchHookStatus(ctx context.Context, baseURL string) (*hookStatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, hookPostTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/hook/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hook status: %s", resp.Status)
	}
	var out hookStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
