package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/agent-monitor/internal/config"
	"github.com/asheshgoplani/agent-monitor/internal/events"
	"github.com/asheshgoplani/agent-monitor/internal/hooks"
	"github.com/asheshgoplani/agent-monitor/internal/inference"
	"github.com/asheshgoplani/agent-monitor/internal/interpreter"
	"github.com/asheshgoplani/agent-monitor/internal/logging"
	"github.com/asheshgoplani/agent-monitor/internal/monitor"
	"github.com/asheshgoplani/agent-monitor/internal/notify"
	"github.com/asheshgoplani/agent-monitor/internal/priority"
	"github.com/asheshgoplani/agent-monitor/internal/statedb"
	"github.com/asheshgoplani/agent-monitor/internal/store"
	"github.com/asheshgoplani/agent-monitor/internal/terminal"
	"github.com/asheshgoplani/agent-monitor/internal/web"
)

const shutdownTimeout = 5 * time.Second

type serveOptions struct {
	listen  string
	verbose bool
}

func newServeCmd(g *globalOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor, the hook receiver and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g, opts)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "listen address (overrides server.listen)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "mirror logs to stderr")
	return cmd
}

// app is the wired process.
type app struct {
	db      *statedb.StateDB
	monitor *monitor.Monitor
	hooks   *hooks.Receiver
	server  *web.Server
	spool   string
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

func buildApp(cfg *config.Config, dataDir, version string, reg prometheus.Registerer) (*app, error) {
	cliLog := logging.ForComponent(logging.CompCLI)
	a := &app{}

	var persister store.Persister
	if !cfg.Storage.InMemory() {
		db, err := statedb.Open(cfg.Storage.GetDBPath(dataDir))
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
		a.db = db
		persister = db
	}
	st := store.New(persister)
	if err := st.Load(); err != nil {
		a.close()
		return nil, err
	}

	bus := events.NewBus()

	var llm inference.Service = inference.Disabled{}
	if cfg.Inference.Enabled() {
		ttl := make(map[inference.Purpose]time.Duration, len(inference.Purposes))
		for _, p := range inference.Purposes {
			ttl[p] = cfg.Inference.GetCacheTTL(string(p), inference.DefaultTTL[p])
		}
		client, err := inference.NewClient(inference.ClientConfig{
			BaseURL:    cfg.Inference.GetBaseURL(),
			APIKey:     cfg.Inference.APIKey,
			Model:      cfg.Inference.GetModel(),
			Timeout:    cfg.Inference.GetTimeout(),
			RateLimit:  cfg.Inference.GetRateLimit(),
			Burst:      cfg.Inference.GetBurst(),
			CacheSize:  cfg.Inference.GetCacheSize(),
			CacheTTL:   ttl,
			Registerer: reg,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		llm = client
	} else {
		cliLog.Info("inference_disabled", slog.String("reason", "no api key"))
	}

	prio := priority.New(st, llm, bus)
	opts := []monitor.Option{
		monitor.WithEmitter(bus),
		monitor.WithInference(llm),
		monitor.WithPriority(prio),
		monitor.WithMetrics(monitor.MustNewMetrics(reg)),
	}

	var push *notify.PushSender
	if cfg.Notifications.GetEnabled() {
		senders := []notify.Sender{notify.LogSender{}}
		if cfg.Notifications.Push {
			var err error
			push, err = notify.NewPushSender(dataDir, cfg.Notifications.GetVAPIDSubject())
			if err != nil {
				cliLog.Warn("push_disabled", slog.String("error", err.Error()))
				push = nil
			} else {
				senders = append(senders, push)
			}
		}
		opts = append(opts, monitor.WithNotifier(notify.NewService(cfg.Notifications.GetCooldown(), senders...)))
	}

	backend := terminal.Select(cfg.Monitor.GetBackend(), nil)
	a.monitor = monitor.New(monitor.ConfigFrom(cfg.Monitor), backend, interpreter.New(llm), st, opts...)

	var hookRecv web.HookReceiver
	if cfg.Hooks.GetEnabled() {
		a.hooks = hooks.NewReceiver(st, a.monitor, hooks.WithEmitter(bus))
		a.monitor.AttachHookActivity(a.hooks)
		a.spool = cfg.Hooks.GetSpoolDir(dataDir)
		hookRecv = a.hooks
	}

	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	a.server = web.NewServer(web.Config{
		ListenAddr:  cfg.Server.GetListen(),
		Token:       cfg.Server.Token,
		CORSOrigins: cfg.Server.CORSOrigins,
		Version:     version,
		Store:       st,
		Operator:    a.monitor,
		Hooks:       hookRecv,
		Priority:    prio,
		Push:        push,
		Bus:         bus,
		Gatherer:    gatherer,
	})
	return a, nil
}

func runServe(ctx context.Context, g *globalOptions, opts *serveOptions) error {
	cfg, dataDir, err := loadConfig(g)
	if cfg == nil {
		return err
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
	}
	if opts.listen != "" {
		cfg.Server.Listen = opts.listen
	}

	logging.Init(logging.Config{
		LogDir:     dataDir,
		Level:      cfg.Logs.GetLevel(),
		Format:     cfg.Logs.Format,
		Stderr:     opts.verbose,
		MaxSizeMB:  cfg.Logs.GetMaxSizeMB(),
		MaxBackups: cfg.Logs.GetMaxBackups(),
		MaxAgeDays: cfg.Logs.GetRetentionDays(),
		Compress:   cfg.Logs.GetCompress(),
		PprofAddr:  cfg.Logs.PprofAddr,
	})
	defer logging.Shutdown()
	cliLog := logging.ForComponent(logging.CompCLI)

	a, err := buildApp(cfg, dataDir, Version, prometheus.DefaultRegisterer)
	if err != nil {
		cliLog.Error("startup_failed", slog.String("error", err.Error()))
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go dumpOnSignal(ctx, dataDir)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(a.server.Start)
	group.Go(func() error { return a.monitor.Run(gctx) })
	if a.hooks != nil {
		spool := hooks.NewSpoolWatcher(a.spool, a.hooks)
		group.Go(func() error { return spool.Run(gctx) })
	}
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	fmt.Fprintf(os.Stderr, "agent-monitor v%s listening on %s\n", Version, a.server.Addr())
	cliLog.Info("serve_started",
		slog.String("version", Version),
		slog.String("listen", a.server.Addr()),
		slog.String("data_dir", dataDir),
		slog.Bool("hooks", a.hooks != nil))

	err = group.Wait()
	a.monitor.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		cliLog.Error("serve_failed", slog.String("error", err.Error()))
		return err
	}
	cliLog.Info("serve_stopped")
	return nil
}

// dumpOnSignal writes the in-memory log tail to dataDir on SIGUSR1.
func dumpOnSignal(ctx context.Context, dataDir string) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	log := logging.ForComponent(logging.CompCLI)
	for {
		select {
		case <-ctx.Done():
			return
		case <-usr1:
			path := filepath.Join(dataDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(path); err != nil {
				log.Error("crash_dump_failed", slog.String("error", err.Error()))
				continue
			}
			log.Info("crash_dump_written", slog.String("path", path))
		}
	}
}
