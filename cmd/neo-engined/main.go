package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cmjester6421/neo-refined/internal/api"
	"github.com/cmjester6421/neo-refined/internal/config"
	"github.com/cmjester6421/neo-refined/internal/engine"
	"github.com/cmjester6421/neo-refined/internal/payload"
	"github.com/cmjester6421/neo-refined/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("neo: starting",
		"listen_addr", cfg.ListenAddr,
		"snapshot_path", cfg.SnapshotPath,
		"max_workers", cfg.Engine.MaxWorkers,
	)

	snapshots, err := store.NewSQLiteStore(cfg.SnapshotPath)
	if err != nil {
		log.Fatalf("failed to open snapshot store: %v", err)
	}
	defer snapshots.Close()

	cfg.Engine.Metrics = prometheus.DefaultRegisterer
	eng, err := engine.New(cfg.Engine, payload.NewRegistry(), logger)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}

	restoreCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := eng.Restore(restoreCtx, snapshots); err != nil {
		cancel()
		log.Fatalf("failed to restore tasks: %v", err)
	}
	cancel()

	if err := eng.Start(); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}

	srv := api.NewServer(cfg.ListenAddr, eng, snapshots, prometheus.DefaultRegisterer, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// The HTTP server has stopped; drain or discard in-flight work, then
	// persist a final snapshot so tasks survive the restart.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := eng.Shutdown(ctx); err != nil {
		logger.Error("engine shutdown", "error", err)
	}
	if err := eng.Snapshot(ctx, snapshots); err != nil {
		logger.Error("final snapshot", "error", err)
	}

	logger.Info("neo: stopped")
}
