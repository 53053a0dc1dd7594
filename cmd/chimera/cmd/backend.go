package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chimera-gw/chimera/internal/backend"
	"github.com/chimera-gw/chimera/internal/config"
	"github.com/chimera-gw/chimera/internal/domain/warrant"
	"github.com/chimera-gw/chimera/internal/observability"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Start the dual execution environment",
	Long: `Start the dual execution environment.

The backend holds two schema-identical data planes: production (real
records) and shadow (synthetic records). Each tools/call must carry a
warrant; whichever plane's key verifies it serves the call. A call whose
warrant neither key accepts is rejected without revealing why.

The backend serves line-delimited JSON-RPC on stdio by default, which is
how the gateway spawns it. Set backend.transport to http to serve POST
/mcp instead.`,
	RunE: runBackend,
}

func init() {
	rootCmd.AddCommand(backendCmd)
}

func runBackend(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg.Logging.Level)

	meters, err := observability.NewMeterManager(
		cfg.Observability.Metrics, Version, observability.DefaultMeterInterval, logger)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meters.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}()

	env, err := buildEnvironment(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Close(); err != nil {
			logger.Error("environment close", "error", err)
		}
	}()

	srv := backend.NewServer(env, logger, backend.WithMeter(meters.Meter()))
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error("server close", "error", err)
		}
	}()

	if cfg.Backend.Transport == "http" {
		logger.Info("backend starting", "transport", "http", "addr", cfg.Backend.HTTPAddr)
		return srv.ServeHTTP(ctx, cfg.Backend.HTTPAddr)
	}
	logger.Info("backend starting", "transport", "stdio")
	return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
}

// buildEnvironment assembles the two planes. Only the shadow plane gets a
// synthesizer: a production miss is a real miss.
func buildEnvironment(cfg *config.Config, logger *slog.Logger) (*backend.Environment, error) {
	production, err := buildPlane(cfg, backend.PlaneProduction,
		filepath.Join(cfg.Backend.KeyDir, "prime_public.pem"), cfg.Backend.Production, nil, logger)
	if err != nil {
		return nil, err
	}
	shadow, err := buildPlane(cfg, backend.PlaneShadow,
		filepath.Join(cfg.Backend.KeyDir, "shadow_public.pem"), cfg.Backend.Shadow,
		backend.NewSynthesizer(), logger)
	if err != nil {
		production.Close()
		return nil, err
	}

	return backend.NewEnvironment(production, shadow, logger,
		backend.WithJitter(cfg.Backend.JitterMin, cfg.Backend.JitterMax)), nil
}

func buildPlane(
	cfg *config.Config,
	name, keyPath string,
	plane config.PlaneConfig,
	synth *backend.Synthesizer,
	logger *slog.Logger,
) (*backend.Plane, error) {
	verifier, err := warrant.LoadVerifier(keyPath)
	if err != nil {
		return nil, fmt.Errorf("load %s verification key: %w", name, err)
	}

	store, err := backend.OpenPlaneStore(plane.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open %s plane store: %w", name, err)
	}

	files, err := backend.NewFileReader(plane.FSRoot, cfg.Backend.SensitivePaths)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open %s plane filesystem: %w", name, err)
	}

	return backend.NewPlane(name, verifier, store, files, synth, logger), nil
}
