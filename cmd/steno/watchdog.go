package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stenoworks/steno/internal/config"
	"github.com/stenoworks/steno/internal/db"
	"github.com/stenoworks/steno/internal/watchdog"
)

func newWatchdogCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Run the proxy watchdog standalone",
		Long:  "Probes the configured downstream proxy services on an interval and restarts unhealthy ones when auto-start is enabled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchdog(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "steno.yaml", "path to steno config file")
	return cmd
}

func runWatchdog(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Watchdog.Services) == 0 {
		return fmt.Errorf("watchdog: no services configured in %s", configPath)
	}

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
		cancel()
	}()

	fmt.Fprintf(out, "watchdog: probing %d service(s) every %ds\n",
		len(cfg.Watchdog.Services), cfg.Watchdog.IntervalSec)
	return wd.Run(ctx)
}
