package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/gateway/httpgateway"
	"github.com/c0deZ3R0/quotesync/gateway/memgateway"
	"github.com/c0deZ3R0/quotesync/logging"
	"github.com/c0deZ3R0/quotesync/synckit"
)

var (
	mockAddr    string
	mockLatency time.Duration
	mockSeed    string
)

var mockAPICmd = &cobra.Command{
	Use:   "mock-api",
	Short: "Serve an in-memory quoting API for local development",
	Long: `mock-api serves the remote quoting API from memory so quotesync can be
developed without the real system. Records can be seeded from a JSON array.
When http.token is configured, requests must carry it as a bearer token.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := logging.ForComponent(nil, "mock-api")
		gw := memgateway.New(memgateway.WithLatency(mockLatency))
		if mockSeed != "" {
			n, err := seedGateway(gw, mockSeed)
			if err != nil {
				return err
			}
			logger.Info("Seeded records", slog.Int("count", n), slog.String("file", mockSeed))
		}

		opts := []httpgateway.HandlerOption{httpgateway.WithHandlerLogger(logger)}
		if cfg.HTTP.Token != "" {
			opts = append(opts, httpgateway.WithBearerToken(cfg.HTTP.Token))
		}
		srv := &http.Server{
			Addr:              mockAddr,
			Handler:           httpgateway.NewHandler(gw, opts...),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("Mock quoting API listening", slog.String("addr", mockAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func seedGateway(gw *memgateway.Gateway, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, syncErrors.NewValidationError(syncErrors.OpLoad, err)
	}
	var records []synckit.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, syncErrors.NewValidationError(syncErrors.OpLoad, fmt.Errorf("seed %s: %w", path, err))
	}
	for i, rec := range records {
		if !rec.Kind.Valid() || rec.ID == "" {
			return 0, syncErrors.NewValidationError(syncErrors.OpLoad, fmt.Errorf("seed %s: record %d needs a known kind and an id", path, i))
		}
		if rec.Version == 0 {
			rec.Version = 1
		}
		gw.Seed(rec)
	}
	return len(records), nil
}

func init() {
	mockAPICmd.Flags().StringVar(&mockAddr, "addr", ":9000", "Listen address")
	mockAPICmd.Flags().DurationVar(&mockLatency, "latency", 0, "Artificial delay added to every call")
	mockAPICmd.Flags().StringVar(&mockSeed, "seed", "", "JSON file with an array of records to preload")
	rootCmd.AddCommand(mockAPICmd)
}
