// SettleVault - escrow settlement engine for marketplace orders
package main

import (
	"context"
	"os"

	"github.com/mbd888/settlevault/internal/config"
	"github.com/mbd888/settlevault/internal/logging"
	"github.com/mbd888/settlevault/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting settlevault",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"currency", cfg.DefaultCurrency,
		"platform_fee_bps", cfg.PlatformFeeBps,
		"driver_share_bps", cfg.DriverShareBps,
		"escrow_timeout", cfg.EscrowTimeout.String(),
		"persistent", cfg.DatabaseURL != "",
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
