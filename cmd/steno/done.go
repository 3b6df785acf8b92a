package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stenoworks/steno/internal/config"
	"github.com/stenoworks/steno/internal/db"
	"github.com/stenoworks/steno/internal/queue"
	"github.com/stenoworks/steno/internal/scope"
	"github.com/stenoworks/steno/internal/session"
)

func newDoneCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "done <session-id>",
		Short: "Complete a session",
		Long:  "Closes the session, schedules its finalization and clears the owner's active-session mapping. Safe to retry.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDone(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "steno.yaml", "path to steno config file")
	return cmd
}

func runDone(cmd *cobra.Command, configPath, sessionID string) error {
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

	enqueue := func(queueName string, payload interface{}, dedupKey string) error {
		_, _, err := queue.Enqueue(gormDB, sc, queueName, payload, dedupKey)
		return err
	}

	res, err := session.Complete(context.Background(), gormDB, sc, session.CompleteOpts{
		SessionID: sessionID,
		Queue:     enqueue,
		// Sessions without a chat binding land here instead of failing.
		Fallback: func(ctx context.Context, payload session.DonePayload) error {
			fmt.Fprintf(out, "%s\n", payload.NotifyPreview)
			return nil
		},
		Actor: "cli",
		Out:   out,
	})
	if err != nil {
		return err
	}

	if res.AlreadyClosed {
		fmt.Fprintf(out, "Session %s was already closed; cleanup re-ran\n", res.SessionID)
	} else {
		fmt.Fprintf(out, "Session %s closed (delivery: %s)\n", res.SessionID, res.Mode)
	}
	return nil
}
