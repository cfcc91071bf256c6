package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/wardscry/wardscry/pkg/adapters/siem"
	"github.com/wardscry/wardscry/pkg/adapters/sqlite"
	"github.com/wardscry/wardscry/pkg/config"
	"github.com/wardscry/wardscry/pkg/daemon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring daemon",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger := slog.Default()

		cfg, err := config.Load(configPath)
		if err != nil {
			fatal("loading config", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Cannot open the store at all: exit non-zero rather than pretend
		// to monitor tokens we cannot see.
		store, err := sqlite.Open(ctx, cfg.DBPath)
		if err != nil {
			fatal("opening token store", err)
		}
		defer store.Close()

		emitter := siem.New(cfg.SIEMPath)
		defer emitter.Close()
		logger.Info("siem sink", "path", emitter.Path())

		d, err := daemon.New(daemon.Config{
			Store:          store,
			Emitter:        emitter,
			Logger:         logger,
			ReloadInterval: cfg.ReloadInterval.Std(),
			CheckInterval:  cfg.CheckInterval.Std(),
			DebounceWindow: cfg.DebounceWindow.Std(),
			StoreTimeout:   cfg.StoreTimeout.Std(),
			QueueCapacity:  cfg.QueueCapacity,
			OverloadPolicy: overloadPolicy(cfg),
			IgnoreGlobs:    cfg.IgnoreGlobs,
		})
		if err != nil {
			fatal("building daemon", err)
		}

		if cfg.MetricsAddr != "" {
			lifecycle.Go(ctx, func(ctx context.Context) error {
				return serveMetrics(ctx, cfg.MetricsAddr, logger)
			}, lifecycle.WithErrorHandler(func(err error) {
				logger.Error("metrics server failed", "error", err)
			}))
		}

		if err := d.Run(ctx); err != nil {
			fatal("daemon", err)
		}
	},
}

func overloadPolicy(cfg config.Config) daemon.OverloadPolicy {
	if cfg.DropOldestOnOverload {
		return daemon.DropOldest
	}
	return daemon.Backpressure
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
