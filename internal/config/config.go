package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cmjester6421/neo-refined/internal/engine"
)

const (
	defaultListenAddr   = ":8080"
	defaultSnapshotPath = "neo.db"

	envListenAddr     = "NEO_LISTEN_ADDR"
	envSnapshotPath   = "NEO_SNAPSHOT_PATH"
	envLogLevel       = "NEO_LOG_LEVEL"
	envMaxWorkers     = "NEO_MAX_WORKERS"
	envTickInterval   = "NEO_TICK_INTERVAL"
	envMaxRetries     = "NEO_MAX_RETRIES"
	envRetryBaseDelay = "NEO_RETRY_BASE_DELAY"
	envRetryCap       = "NEO_RETRY_BACKOFF_CAP"
	envShutdownPolicy = "NEO_SHUTDOWN_POLICY"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	SnapshotPath string
	LogLevel     slog.Level
	Engine       engine.Config
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		SnapshotPath: defaultSnapshotPath,
		LogLevel:     slog.LevelInfo,
		Engine:       engine.DefaultConfig(),
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envSnapshotPath); v != "" {
		cfg.SnapshotPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envMaxWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.MaxWorkers = n
		}
	}
	if v := os.Getenv(envTickInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Engine.TickInterval = d
		}
	}
	if v := os.Getenv(envMaxRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Engine.MaxRetries = n
		}
	}
	if v := os.Getenv(envRetryBaseDelay); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Engine.BaseDelay = d
		}
	}
	if v := os.Getenv(envRetryCap); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Engine.BackoffCap = d
		}
	}
	if v := os.Getenv(envShutdownPolicy); v != "" {
		switch strings.ToLower(v) {
		case engine.ShutdownDrain, engine.ShutdownDiscard:
			cfg.Engine.ShutdownPolicy = strings.ToLower(v)
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
