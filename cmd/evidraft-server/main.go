// Package main runs the evidraft API server, workers and claim sweeper.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/evidraft/internal/app"
	"github.com/raphaelgruber/evidraft/internal/config"
	"github.com/raphaelgruber/evidraft/internal/tracing"
)

func main() {
	noWorkers := flag.Bool("no-workers", false, "serve the API only")
	noAPI := flag.Bool("no-api", false, "run workers and the sweeper only")
	flag.Parse()

	cfg := config.Load()
	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer closeLog()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracing, err := tracing.Init("evidraft-server", cfg.OTELExporter)
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting evidraft-server", "addr", cfg.ListenAddr, "db", cfg.DBPath,
		"evidence_index", cfg.EvidenceIndex, "workers", cfg.WorkerConcurrency)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}

	runErr := a.Run(ctx, app.RunOptions{API: !*noAPI, Workers: !*noWorkers, Sweeper: true})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil {
		slog.Error("failed to close stores", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	if runErr != nil {
		slog.Error("server stopped", "error", runErr)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
