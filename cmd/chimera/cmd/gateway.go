package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	httpinbound "github.com/chimera-gw/chimera/internal/adapter/inbound/http"
	"github.com/chimera-gw/chimera/internal/adapter/inbound/stdio"
	"github.com/chimera-gw/chimera/internal/adapter/outbound/archive"
	backendclient "github.com/chimera-gw/chimera/internal/adapter/outbound/backend"
	"github.com/chimera-gw/chimera/internal/adapter/outbound/judge"
	"github.com/chimera-gw/chimera/internal/adapter/outbound/ledgerfile"
	"github.com/chimera-gw/chimera/internal/adapter/outbound/memory"
	redisstore "github.com/chimera-gw/chimera/internal/adapter/outbound/redis"
	"github.com/chimera-gw/chimera/internal/config"
	"github.com/chimera-gw/chimera/internal/domain/auth"
	"github.com/chimera-gw/chimera/internal/domain/ledger"
	"github.com/chimera-gw/chimera/internal/domain/risk"
	"github.com/chimera-gw/chimera/internal/domain/sanitize"
	"github.com/chimera-gw/chimera/internal/domain/session"
	"github.com/chimera-gw/chimera/internal/domain/warrant"
	"github.com/chimera-gw/chimera/internal/observability"
	"github.com/chimera-gw/chimera/internal/port/inbound"
	"github.com/chimera-gw/chimera/internal/port/outbound"
	"github.com/chimera-gw/chimera/internal/service"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway [-- command [args...]]",
	Short: "Start the interception gateway",
	Long: `Start the interception gateway.

The gateway reads JSON-RPC frames from the agent, runs every tools/call
through the routing pipeline, and forwards it to the execution backend
with a signed warrant attached. The backend can be reached two ways:

1. Spawned subprocess: pass the command after --, or set gateway.target.
2. Running HTTP backend: set gateway.backend_url.

Examples:
  # Spawn the bundled backend over stdio
  chimera gateway -- chimera backend

  # Use an already-running HTTP backend
  CHIMERA_GATEWAY_BACKEND_URL=http://127.0.0.1:8812/mcp chimera gateway

  # Serve agents over HTTP instead of stdio
  CHIMERA_GATEWAY_TRANSPORT=http chimera gateway -- chimera backend`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	// A command after -- overrides the configured backend target.
	if len(args) > 0 {
		viper.Set("gateway.target", args[0])
		viper.Set("gateway.target_args", args[1:])
		viper.Set("gateway.backend_url", "")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	// stop() restores default signal handling so a second Ctrl+C is an
	// immediate exit.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg.Logging.Level)
	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded config", "file", file, "scenario", cfg.Scenario)
	}

	tracing, err := observability.NewTracerManager(cfg.Observability.Tracing, Version, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	// Policy first: a broken manifest must refuse startup before anything
	// else comes up.
	policySvc, err := service.NewPolicyService(cfg.Policy.Manifest, logger,
		service.WithCacheSize(cfg.Policy.CacheSize))
	if err != nil {
		return fmt.Errorf("load policy manifest: %w", err)
	}

	authority, err := warrant.LoadAuthority(cfg.Warrant.KeyDir, warrant.WithTTL(cfg.Warrant.TTL))
	if err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := service.NewGatewayMetrics(registry)

	ledgerStore, err := openLedger(cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := ledgerStore.Close(); err != nil {
			logger.Error("ledger close", "error", err)
		}
	}()

	scrubber, err := sanitize.New(scrubPatterns(cfg)...)
	if err != nil {
		return fmt.Errorf("compile sanitizer patterns: %w", err)
	}

	sessions, err := openSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer sessions.Stop()

	classifier := buildClassifier(cfg)

	backend := buildBackendClient(cfg, logger)

	var attackSvc *service.AttackService
	if cfg.Archive.Enabled {
		boltArchive, err := archive.NewBoltArchive(cfg.Archive.Path, logger)
		if err != nil {
			return fmt.Errorf("open attack archive: %w", err)
		}
		defer func() {
			if err := boltArchive.Close(); err != nil {
				logger.Error("archive close", "error", err)
			}
		}()
		attackSvc = service.NewAttackService(boltArchive, logger)
	}

	interceptor := service.NewInterceptionService(
		sessions, classifier, policySvc, authority, ledgerStore, scrubber, backend, logger,
		service.WithContextDefaults(contextDefaults(cfg)),
		service.WithFileTools(cfg.Gateway.FileTools),
		service.WithTaintInspector(policySvc.Inspector()),
		service.WithAttackService(attackSvc),
		service.WithClassifierBudget(cfg.Classifier.Budget),
		service.WithForwardTimeout(cfg.Gateway.ForwardTimeout),
		service.WithGatewayMetrics(metrics),
		service.WithTracer(tracing.Tracer()),
	)

	// Eviction ends the per-session bookkeeping and archives any open
	// attack record.
	if mem, ok := sessions.(*memory.MemorySessionStore); ok {
		mem.OnEvict(func(sess *session.Session) {
			interceptor.EndSession(sess.ID)
			if attackSvc != nil {
				evictCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				attackSvc.EndSession(evictCtx, sess.ID)
			}
		})
	}

	proxySvc := service.NewProxyService(backend, interceptor, logger)

	// A ledger that cannot write anymore is a forensic gap; treat it as a
	// shutdown signal rather than routing blind. The stored error also
	// fails the HTTP health check.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var ledgerDown atomic.Value
	if fs, ok := ledgerStore.(*ledgerfile.FileStore); ok {
		go func() {
			select {
			case err := <-fs.Fatal():
				ledgerDown.Store(err)
				logger.Error("ledger store fatal, shutting down", "error", err)
				cancel()
			case <-runCtx.Done():
			}
		}()
	}

	transport := buildTransport(cfg, proxySvc, registry, logger, func() error {
		if err, ok := ledgerDown.Load().(error); ok {
			return err
		}
		return nil
	})

	logger.Info("gateway starting",
		"transport", cfg.Gateway.Transport,
		"classifier", cfg.Classifier.Mode,
		"session_store", cfg.Session.Store,
	)

	err = transport.Start(runCtx)

	if attackSvc != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if serr := attackSvc.Shutdown(shutdownCtx); serr != nil {
			logger.Error("attack archive shutdown", "error", serr)
		}
	}

	if err != nil && err != context.Canceled {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

// openLedger builds the ledger store; an empty path disables the ledger.
func openLedger(cfg *config.Config, metrics *service.GatewayMetrics, logger *slog.Logger) (ledger.Store, error) {
	if cfg.Ledger.Path == "" {
		logger.Warn("ledger disabled: no path configured")
		return ledger.NopStore{}, nil
	}
	store, err := ledgerfile.NewFileStore(ledgerfile.Config{
		Path:          cfg.Ledger.Path,
		Genesis:       cfg.Ledger.Genesis,
		FlushInterval: cfg.Ledger.FlushInterval,
		RetryCapacity: cfg.Ledger.RetryLimit,
		WriteFailures: metrics.LedgerWriteFailures,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return store, nil
}

// openSessionStore builds the configured session store and starts its
// maintenance work.
func openSessionStore(ctx context.Context, cfg *config.Config) (session.SessionStore, error) {
	switch cfg.Session.Store {
	case "redis":
		store, err := redisstore.NewRedisSessionStore(
			cfg.Session.Redis.Addr,
			cfg.Session.Redis.Password,
			cfg.Session.Redis.DB,
			cfg.Session.Window,
			cfg.Session.IdleTTL,
		)
		if err != nil {
			return nil, fmt.Errorf("connect session redis: %w", err)
		}
		return store, nil
	default:
		store := memory.NewSessionStoreWithConfig(
			cfg.Session.Window, cfg.Session.IdleTTL, memory.DefaultCleanupInterval)
		store.StartCleanup(ctx)
		return store, nil
	}
}

// buildClassifier selects the risk classifier implementation.
func buildClassifier(cfg *config.Config) risk.Classifier {
	switch cfg.Classifier.Mode {
	case "http":
		return judge.NewHTTPJudge(
			cfg.Classifier.Endpoint,
			cfg.Classifier.APIKey,
			cfg.Classifier.Model,
			judge.WithBudget(cfg.Classifier.Budget),
		)
	case "off":
		return risk.ClassifierFunc(func(context.Context, string, map[string]interface{}, map[string]interface{}) risk.Assessment {
			return risk.Assessment{Reason: "classifier disabled"}
		})
	default:
		return judge.NewMockJudge(mockRules(cfg), mockDefault(cfg))
	}
}

func mockRules(cfg *config.Config) []judge.MockRule {
	rules := make([]judge.MockRule, 0, len(cfg.Classifier.Mock.Rules))
	for _, r := range cfg.Classifier.Mock.Rules {
		rules = append(rules, judge.MockRule{
			Tools:      r.Tools,
			Field:      r.Field,
			Operator:   r.Operator,
			Value:      r.Value,
			RiskScore:  r.RiskScore,
			Confidence: r.Confidence,
			Reason:     r.Reason,
			Tags:       r.Tags,
		})
	}
	return rules
}

func mockDefault(cfg *config.Config) *risk.Assessment {
	d := cfg.Classifier.Mock.Default
	if d == nil {
		return nil
	}
	return &risk.Assessment{
		Risk:       d.RiskScore,
		Confidence: d.Confidence,
		Reason:     d.Reason,
		Tags:       d.Tags,
	}
}

// buildBackendClient connects the gateway to its execution backend.
func buildBackendClient(cfg *config.Config, logger *slog.Logger) outbound.BackendClient {
	if cfg.Gateway.Target != "" {
		return backendclient.NewStdioClient(cfg.Gateway.Target, cfg.Gateway.TargetArgs, logger)
	}
	return backendclient.NewHTTPClient(cfg.Gateway.BackendURL,
		backendclient.WithRequestTimeout(cfg.Gateway.ForwardTimeout))
}

// buildTransport builds the agent-facing listener.
func buildTransport(
	cfg *config.Config,
	proxySvc *service.ProxyService,
	registry *prometheus.Registry,
	logger *slog.Logger,
	ledgerCheck func() error,
) inbound.Transport {
	if cfg.Gateway.Transport != "http" {
		return stdio.NewStdioTransport(proxySvc)
	}

	hc := httpinbound.NewHealthChecker(Version)
	hc.AddCheck("ledger", ledgerCheck)

	opts := []httpinbound.Option{
		httpinbound.WithAddr(cfg.Gateway.HTTPAddr),
		httpinbound.WithLogger(logger),
		httpinbound.WithRegistry(registry),
		httpinbound.WithHealthChecker(hc),
	}
	if len(cfg.Gateway.APIKeys) > 0 {
		entries := make([]auth.Entry, 0, len(cfg.Gateway.APIKeys))
		for _, k := range cfg.Gateway.APIKeys {
			entries = append(entries, auth.Entry{ID: k.ID, Hash: k.Hash})
		}
		opts = append(opts, httpinbound.WithKeyring(auth.NewKeyring(entries)))
	}
	return httpinbound.NewHTTPTransport(proxySvc, opts...)
}

// contextDefaults converts the configured defaults into the open context
// map the pipeline merges the envelope over.
func contextDefaults(cfg *config.Config) map[string]interface{} {
	defaults := make(map[string]interface{}, 3)
	if cfg.Context.UserID != "" {
		defaults["user_id"] = cfg.Context.UserID
	}
	if cfg.Context.UserRole != "" {
		defaults["user_role"] = cfg.Context.UserRole
	}
	if cfg.Context.Source != "" {
		defaults["source"] = cfg.Context.Source
	}
	return defaults
}

// scrubPatterns converts the configured extra sanitizer patterns.
func scrubPatterns(cfg *config.Config) []sanitize.Pattern {
	extra := make([]sanitize.Pattern, 0, len(cfg.Sanitize.Patterns))
	for _, p := range cfg.Sanitize.Patterns {
		extra = append(extra, sanitize.Pattern{Name: p.Name, Expr: p.Expr})
	}
	return extra
}
