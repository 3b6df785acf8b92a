package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stenoworks/steno/internal/config"
	"github.com/stenoworks/steno/internal/db"
	"github.com/stenoworks/steno/internal/generation"
	"github.com/stenoworks/steno/internal/ingest"
	"github.com/stenoworks/steno/internal/pipeline"
	"github.com/stenoworks/steno/internal/queue"
	"github.com/stenoworks/steno/internal/realtime"
	"github.com/stenoworks/steno/internal/reconcile"
	"github.com/stenoworks/steno/internal/scope"
	"github.com/stenoworks/steno/internal/session"
	"github.com/stenoworks/steno/internal/transport"
	discordadapter "github.com/stenoworks/steno/internal/transport/discord"
	slackadapter "github.com/stenoworks/steno/internal/transport/slack"
	"github.com/stenoworks/steno/internal/watchdog"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the steno daemon",
		Long:  "Connects the chat transports, the worker pools, the reconciliation loop, the realtime gateway and the watchdog, and runs them until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "steno.yaml", "path to steno config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sc, err := scope.Resolve(cfg.Runtime.Family, cfg.Runtime.Host)
	if err != nil {
		return fmt.Errorf("resolve runtime scope: %w", err)
	}
	fmt.Fprintf(out, "steno: runtime scope %s\n", sc.Tag())

	gormDB, err := db.Connect(cfg.Store)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if err := db.SeedProxyServices(gormDB, cfg.Watchdog.Services); err != nil {
		return err
	}

	hub := realtime.NewHub()

	enqueue := func(queueName string, payload interface{}, dedupKey string) error {
		_, _, err := queue.Enqueue(gormDB, sc, queueName, payload, dedupKey)
		return err
	}

	var gen generation.Client
	if cfg.Generation.APIKey != "" {
		client, err := generation.NewOpenAIClient(cfg.Generation)
		if err != nil {
			return fmt.Errorf("generation client: %w", err)
		}
		gen = client
	} else {
		fmt.Fprintf(out, "steno: no generation api key, transcription and categorization will park as terminal_config\n")
	}

	primary, fallback, adapters, err := buildAdapters(cfg)
	if err != nil {
		return err
	}
	dispatcher := transport.NewDispatcher(transport.DispatcherOpts{
		Primary:  primary,
		Fallback: fallback,
		Out:      out,
	})
	var notifier pipeline.Notifier
	if len(adapters) > 0 {
		notifier = dispatcher
	} else {
		fmt.Fprintf(out, "steno: no chat transports configured, notifications will be skipped\n")
	}

	pipe, err := pipeline.New(pipeline.Opts{
		DB:           gormDB,
		Scope:        sc,
		Generation:   gen,
		Emitter:      hub,
		Notifier:     notifier,
		Enqueue:      enqueue,
		RetryBase:    time.Duration(cfg.Retry.BaseSec) * time.Second,
		RetryCeiling: time.Duration(cfg.Retry.CeilingSec) * time.Second,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Out:          out,
	})
	if err != nil {
		return err
	}

	sweeper, err := reconcile.NewSweeper(reconcile.SweeperOpts{
		DB:            gormDB,
		Scope:         sc,
		Enqueue:       enqueue,
		Emitter:       hub,
		MaxAttempts:   cfg.Retry.MaxAttempts,
		RequeueLimit:  cfg.Reconcile.RequeueLimit,
		FinalizeLimit: cfg.Reconcile.FinalizeLimit,
		ReviewLimit:   cfg.Reconcile.ReviewLimit,
		CronExpr:      cfg.Reconcile.CronExpr,
		Out:           out,
	})
	if err != nil {
		return err
	}

	finalizer := session.NewFinalizer(session.FinalizerOpts{
		Notifier: notifier,
		Kick:     sweeper.Kick,
		Emitter:  hub,
		Out:      out,
	})

	router, err := ingest.NewRouter(ingest.RouterOpts{
		DB:             gormDB,
		Scope:          sc,
		Allowed:        cfg.OwnerAllowed,
		DefaultProject: cfg.DefaultProject,
		Enqueue:        enqueue,
		Emitter:        hub,
		Out:            out,
	})
	if err != nil {
		return err
	}
	daemon, err := ingest.NewDaemon(ingest.DaemonOpts{
		Adapters: adapters,
		Enqueue:  enqueue,
		Router:   router,
		Out:      out,
	})
	if err != nil {
		return err
	}

	workers, err := queue.NewWorkers(queue.WorkersOpts{
		DB:           gormDB,
		Scope:        sc,
		Concurrency:  cfg.Queues.Concurrency,
		PollInterval: time.Duration(cfg.Queues.PollIntervalSec) * time.Second,
		RetryBase:    time.Duration(cfg.Retry.BaseSec) * time.Second,
		RetryCeiling: time.Duration(cfg.Retry.CeilingSec) * time.Second,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Out:          out,
	})
	if err != nil {
		return err
	}
	for queueName, handler := range pipe.Handlers() {
		workers.Register(queueName, handler)
	}
	workers.Register(queue.Ingest, daemon.Handler())
	workers.Register(queue.Finalize, finalizer.Handler())

	actions := realtime.Actions{
		Done: func(ctx context.Context, sessionID string) error {
			_, err := session.Complete(ctx, gormDB, sc, session.CompleteOpts{
				SessionID: sessionID,
				Queue:     enqueue,
				Actor:     "realtime",
				Kick:      sweeper.Kick,
				Emitter:   hub,
				Out:       out,
			})
			return err
		},
		Postprocess: func(ctx context.Context) error {
			sweeper.Kick()
			return nil
		},
	}
	if gen != nil {
		actions.ExtractTasks = gen.ExtractTasks
	}
	server, err := realtime.NewServer(realtime.ServerOpts{Hub: hub, Actions: actions})
	if err != nil {
		return err
	}

	wd, err := watchdog.New(watchdog.Opts{
		DB:        gormDB,
		Interval:  time.Duration(cfg.Watchdog.IntervalSec) * time.Second,
		KillAfter: time.Duration(cfg.Watchdog.KillAfterSec) * time.Second,
		AutoStart: cfg.Watchdog.AutoStart,
		Out:       out,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintf(out, "steno: shutting down\n")
		cancel()
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	run("ingest", daemon.Run)
	run("reconcile", sweeper.Run)
	run("realtime", func(ctx context.Context) error {
		return server.Run(ctx, cfg.Realtime.ListenAddr)
	})
	if len(cfg.Watchdog.Services) > 0 {
		run("watchdog", wd.Run)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		workers.Run(ctx)
	}()

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// buildAdapters constructs chat transports from config. Discord is preferred
// as primary when both are configured.
func buildAdapters(cfg *config.Config) (primary, fallback transport.Adapter, adapters []transport.Adapter, err error) {
	if cfg.Transports.Discord.BotToken != "" {
		a, err := discordadapter.New(discordadapter.AdapterOpts{
			BotToken: cfg.Transports.Discord.BotToken,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		primary = a
	}
	if cfg.Transports.Slack.BotToken != "" {
		a, err := slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Transports.Slack.AppToken,
			BotToken: cfg.Transports.Slack.BotToken,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		if primary == nil {
			primary = a
		} else {
			fallback = a
		}
	}
	for _, a := range []transport.Adapter{primary, fallback} {
		if a != nil {
			adapters = append(adapters, a)
		}
	}
	return primary, fallback, adapters, nil
}
