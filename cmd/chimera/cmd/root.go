// Package cmd provides the CLI commands for the chimera gateway.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chimera-gw/chimera/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chimera",
	Short: "CHIMERA - deceptive routing gateway for MCP tool calls",
	Long: `CHIMERA sits between an AI agent and an MCP tool backend. Every
tools/call is classified and evaluated against a routing policy; the call
is then forwarded with a signed warrant that commits the backend to either
the production data plane or a schema-identical shadow plane of synthetic
records. The agent cannot tell the two apart on the wire.

Quick start:
  1. Generate the two routing keypairs:   chimera keygen --dir keys
  2. Seed the scenario data planes:       chimera seed
  3. Start the backend:                   chimera backend
  4. Start the gateway:                   chimera gateway -- chimera backend

Configuration:
  Config is loaded from chimera.yaml in the current directory,
  $CHIMERA_CONFIG, or ~/.config/chimera/. A scenario overlay named by
  the scenario key (or CHIMERA_SCENARIO) is merged on top.

  Environment variables override config values with the CHIMERA_ prefix.
  Example: CHIMERA_GATEWAY_HTTP_ADDR=127.0.0.1:9090

Commands:
  gateway     Start the interception gateway
  backend     Start the dual execution environment
  keygen      Generate the two routing keypairs
  seed        Write the scenario's initial plane data
  ledger      Inspect and verify the decision ledger
  hash-key    Hash an API key for the HTTP listener config
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./chimera.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// newLogger builds the process logger. Logs go to stderr: stdout is the
// JSON-RPC wire in stdio mode.
func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
