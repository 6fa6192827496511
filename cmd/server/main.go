// Tiergate - Tier and token access control for metered AI requests
package main

import (
	"context"
	"os"

	"github.com/mbd888/tiergate/internal/config"
	"github.com/mbd888/tiergate/internal/logging"
	"github.com/mbd888/tiergate/internal/server"
)

// Build info - set by ldflags
var (
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting tiergate",
		"version", server.Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"grace_period", cfg.GracePeriod().String(),
		"free_daily", cfg.FreeDailyAllowance,
		"free_monthly", cfg.FreeMonthlyAllowance,
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
