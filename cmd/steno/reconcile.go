package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stenoworks/steno/internal/config"
	"github.com/stenoworks/steno/internal/db"
	"github.com/stenoworks/steno/internal/queue"
	"github.com/stenoworks/steno/internal/reconcile"
	"github.com/stenoworks/steno/internal/scope"
)

func newReconcileCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass",
		Long:  "Requeues stalled pipeline work, finalizes completed sessions and enqueues due reviews, then exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "steno.yaml", "path to steno config file")
	return cmd
}

func runReconcile(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sc, err := scope.Resolve(cfg.Runtime.Family, cfg.Runtime.Host)
	if err != nil {
		return fmt.Errorf("resolve runtime scope: %w", err)
	}
	gormDB, err := db.Connect(cfg.Store)
	if err != nil {
		return err
	}

	sweeper, err := reconcile.NewSweeper(reconcile.SweeperOpts{
		DB:    gormDB,
		Scope: sc,
		Enqueue: func(queueName string, payload interface{}, dedupKey string) error {
			_, _, err := queue.Enqueue(gormDB, sc, queueName, payload, dedupKey)
			return err
		},
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

	res := sweeper.Sweep(context.Background())
	fmt.Fprintf(out, "Requeued %d transcriptions, %d categorizations\n",
		res.TranscribeRequeued, res.CategorizeRequeued)
	fmt.Fprintf(out, "Finalized %d sessions\n", res.Finalized)
	fmt.Fprintf(out, "Enqueued %d of %d due reviews\n", res.ReviewsEnqueued, res.ReviewsPending)

	for _, serr := range res.Errors {
		fmt.Fprintf(out, "error: %v\n", serr)
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("reconciliation finished with %d error(s)", len(res.Errors))
	}
	return nil
}
