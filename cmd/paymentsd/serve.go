package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flippify/payments/internal/app"
	"github.com/flippify/payments/internal/config"
	"github.com/flippify/payments/pkg/subsync"
	zerologadapter "github.com/flippify/payments/pkg/subsync/logger/zerolog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the webhook endpoints and run the periodic sweep",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(envFiles...)
		if err != nil {
			return err
		}
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	zl := newLogger(cfg.Log, nil)
	logger := zerologadapter.NewLogger(zl)

	a, err := app.New(ctx, ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			zl.Error().Err(err).Msg("failed to close clients")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info().Str("addr", srv.Addr).Str("version", Version).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		runSweeps(ctx, a.Sweeper, cfg.Sweep, logger)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		zl.Info().Msg("shutting down HTTP server gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}
	cancel()
	<-sweepDone
	return err
}

// runSweeps runs a sweep at startup when enabled and then every interval
// until ctx is done.
func runSweeps(ctx context.Context, sweeper *subsync.Sweeper, cfg config.Sweep, logger subsync.Logger) {
	sweep := func() {
		if _, err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweep failed", subsync.F("error", err.Error()))
		}
	}

	if cfg.OnStart {
		sweep()
	}
	if cfg.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
