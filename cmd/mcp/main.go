// Command mcp serves fraudguard scoring, model, usage and billing lookups as
// MCP tools over stdio. Logs go to stderr; stdout carries the protocol.
package main

import (
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/mcpserver"
)

func main() {
	logger := logging.NewWithWriter(os.Stderr, envOrDefault("LOG_LEVEL", "info"), "text")

	cfg := mcpserver.Config{
		APIURL:  envOrDefault("FRAUDGUARD_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("FRAUDGUARD_API_KEY"),
		Timeout: 30 * time.Second,
	}
	if v := os.Getenv("FRAUDGUARD_API_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("invalid FRAUDGUARD_API_TIMEOUT", "value", v, "error", err)
			os.Exit(1)
		}
		cfg.Timeout = d
	}

	if cfg.APIKey == "" {
		logger.Warn("FRAUDGUARD_API_KEY not set; scoring anonymously, usage and billing tools will fail")
	}
	logger.Info("serving MCP over stdio", "api_url", cfg.APIURL, "version", mcpserver.Version)

	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("MCP server error", "error", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
