package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/quotesync/config"
	"github.com/c0deZ3R0/quotesync/storage/postgres"
	"github.com/c0deZ3R0/quotesync/synckit"
	"github.com/c0deZ3R0/quotesync/transport/api"
	"github.com/c0deZ3R0/quotesync/transport/sse"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync continuously and serve the operator API and event stream",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cfg, true)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				a.logger.Error("Shutdown failed", slog.Any("error", err))
			}
		}()
		return serve(ctx, a)
	},
}

func serve(ctx context.Context, a *app) error {
	events := sse.NewServer(a.bus, sse.WithServerLogger(a.logger))
	handler := api.NewServer(a.engine,
		api.WithMetrics(a.metrics),
		api.WithEvents(events.Handler()),
		api.WithLogger(a.logger),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.pg != nil {
		listener, err := a.pg.Listener()
		if err != nil {
			return err
		}
		defer listener.Close()
		if err := listener.Subscribe(postgres.RefreshOnChange(a.engine.Store(), a.bus, synckit.SystemClock{}, a.logger)); err != nil {
			return err
		}
		if err := listener.Start(ctx); err != nil {
			return err
		}
	}
	if err := a.engine.Health(ctx); err != nil {
		a.logger.Warn("Quoting API is not reachable yet, edits will queue", slog.Any("error", err))
	}
	// Closing the engine stops the loop.
	if err := a.engine.StartAutoSync(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("Operator API listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = events.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, func(next *config.Config) {
				resolver, err := next.Resolver()
				if err != nil {
					a.logger.Warn("Ignoring conflict policy change", slog.Any("error", err))
					return
				}
				if err := a.engine.SetResolver(resolver); err != nil {
					a.logger.Warn("Failed to apply conflict policy", slog.Any("error", err))
				}
			}, config.WithWatchLogger(a.logger))
		})
	}
	return g.Wait()
}

func init() {
	rootCmd.AddCommand(runCmd)
}
