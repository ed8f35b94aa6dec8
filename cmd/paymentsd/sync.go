package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flippify/payments/internal/app"
	"github.com/flippify/payments/internal/config"
	zerologadapter "github.com/flippify/payments/pkg/subsync/logger/zerolog"
)

var syncCustomer string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sweep, or resync a single customer, and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(envFiles...)
		if err != nil {
			return err
		}
		return runSync(ctx, cfg, syncCustomer, cmd.OutOrStdout())
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncCustomer, "customer", "", "Stripe customer id to resync")
}

func runSync(ctx context.Context, cfg *config.Config, customerID string, out io.Writer) error {
	logger := zerologadapter.NewLogger(newLogger(cfg.Log, nil))
	a, err := app.New(ctx, ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if customerID != "" {
		outcome, err := a.Sweeper.SyncCustomer(ctx, customerID)
		if err != nil {
			return fmt.Errorf("sync %s: %w", customerID, err)
		}
		fmt.Fprintf(out, "%s: %s\n", customerID, outcome)
		return nil
	}

	report, err := a.Sweeper.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "run %s: scanned=%d synced=%d unchanged=%d skipped=%d mismatch=%d failed=%d duration=%s\n",
		report.RunID, report.Scanned, report.Synced, report.Unchanged, report.Skipped,
		report.Mismatch, report.Failed, report.Duration)
	if report.Failed > 0 {
		return fmt.Errorf("%d users failed to sync", report.Failed)
	}
	return nil
}
