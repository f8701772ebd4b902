// Command server runs the fraudguard scoring API.
package main

import (
	"context"
	"os"

	"github.com/mbd888/fraudguard/internal/config"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/server"
)

// Build info, set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "fraudguard")
	logger.Info("starting fraudguard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"stripe", cfg.StripeAPIKey != "",
		"model_weights", cfg.ModelWeightsPath,
		"rate_limit_policy", cfg.RateLimitPolicyPath,
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Run handles SIGINT/SIGTERM and drains before returning.
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
