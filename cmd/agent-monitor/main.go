package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-monitor/internal/config"
)

const Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "agent-monitor",
		Short:         "Watch Claude Code sessions in tmux or WezTerm and track each task's state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.agent-monitor/config.toml)")

	root.AddCommand(
		newServeCmd(opts),
		newHookCmd(opts),
		newHooksCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "agent-monitor v%s\n", Version)
			},
		},
	)
	return root
}

// loadConfig resolves the data directory and decodes the config file. A
// parse error is returned alongside a usable all-defaults Config.
func loadConfig(opts *globalOptions) (*config.Config, string, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return nil, "", err
	}
	path := opts.configPath
	if path == "" {
		path, err = config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
	}
	cfg, err := config.Load(path)
	return cfg, dataDir, err
}
