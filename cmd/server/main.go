// Construct Flow - escrow payment infrastructure for the services marketplace
package main

import (
	"context"
	"os"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/config"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/logging"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting construct-flow escrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"commission_bps", cfg.CommissionRateBPS,
		"platform_fee_bps", cfg.PlatformFeeBPS,
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
