// Package main provides the CLI entry point for wagate, a multi-tenant
// WhatsApp session gateway.
//
// # Basic Usage
//
// Start the server:
//
//	wagate serve --config wagate.yaml
//
// Provision a tenant and fetch its pairing token from a running server:
//
//	wagate tenants provision acme
//	wagate tenants pairing acme
//
// # Environment Variables
//
//   - WAGATE_CONFIG: Path to configuration file
//   - WAGATE_HTTP_PORT: Overrides server.http_port
//   - WAGATE_STORAGE_ROOT: Overrides sessions.storage_root
//   - WAGATE_LOG_LEVEL: Overrides logging.level
//   - WAGATE_DATABASE_URL: Enables the SQL tenant directory
//   - WAGATE_REDIS_ADDR: Enables the Redis event mirror
//   - WAGATE_SERVER: Base URL used by the tenants commands
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/wagate/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wagate",
		Short: "wagate - multi-tenant WhatsApp session gateway",
		Long: `wagate keeps one WhatsApp session per tenant, tracks each session's
connection lifecycle, and fans session events out to subscribers.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTenantsCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers an explicit flag, then WAGATE_CONFIG. An empty
// result loads built-in defaults.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	return strings.TrimSpace(os.Getenv(config.EnvConfigPath))
}
