// Command kubegate runs the guarded kubectl gateway: it sanitizes submitted
// commands, classifies their risk, coordinates approvals and execution, and
// keeps a hash-chained audit ledger with sealed evidence exports.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/kubegate-labs/kubegate/pkg/api"
	"github.com/kubegate-labs/kubegate/pkg/auth"
	"github.com/kubegate-labs/kubegate/pkg/classify"
	"github.com/kubegate-labs/kubegate/pkg/cluster"
	"github.com/kubegate-labs/kubegate/pkg/config"
	"github.com/kubegate-labs/kubegate/pkg/ledger"
	"github.com/kubegate-labs/kubegate/pkg/observability"
	"github.com/kubegate-labs/kubegate/pkg/plan"
	"github.com/kubegate-labs/kubegate/pkg/sanitize"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. With no subcommand the gateway server starts.
func Run(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)

	cmd := "server"
	if len(args) > 1 {
		cmd = args[1]
	}

	switch cmd {
	case "server":
		if err := runServer(cfg, logger); err != nil {
			fmt.Fprintf(stderr, "kubegate: %v\n", err)
			return 1
		}
		return 0
	case "verify":
		if err := runVerify(cfg, stdout); err != nil {
			fmt.Fprintf(stderr, "kubegate verify: %v\n", err)
			return 1
		}
		return 0
	case "export":
		if err := runExport(cfg, stdout, logger); err != nil {
			fmt.Fprintf(stderr, "kubegate export: %v\n", err)
			return 1
		}
		return 0
	case "health":
		if err := runHealth(cfg, stdout); err != nil {
			fmt.Fprintf(stderr, "kubegate health: %v\n", err)
			return 1
		}
		return 0
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `kubegate - guarded kubectl gateway

Usage:
  kubegate [server]   start the gateway API server (default)
  kubegate verify     verify the audit ledger hash chain
  kubegate export     export a sealed evidence pack to the configured sink
  kubegate health     probe a running gateway's health endpoint
  kubegate help       show this message

Configuration is read from the environment; see pkg/config.
`)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openLedgerStore selects the ledger backing store. The returned close
// function is a no-op for the memory backend.
func openLedgerStore(cfg *config.Config) (ledger.Store, func() error, error) {
	switch cfg.LedgerBackend {
	case "sqlite":
		s, err := ledger.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := ledger.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "memory":
		return ledger.NewMemoryStore(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

func loadRules(cfg *config.Config) (*sanitize.RuleSet, error) {
	if cfg.RulesPath == "" {
		return sanitize.DefaultRuleSet(), nil
	}
	data, err := os.ReadFile(cfg.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("read rule pack: %w", err)
	}
	return sanitize.LoadRuleSet(data)
}

func evidenceSecret(cfg *config.Config, logger *slog.Logger) []byte {
	if cfg.EvidenceSecret != "" {
		return []byte(cfg.EvidenceSecret)
	}
	logger.Warn("EVIDENCE_SECRET not set, using development seal key")
	return []byte("kubegate-dev-evidence-secret")
}

// clusterContextProvider resolves classification context from the loaded
// cluster profiles. Unknown clusters get a conservative production default.
// The requesting actor's role comes from the profile's role table via the
// authenticated principal on the context.
func clusterContextProvider(profiles map[string]*config.ClusterProfile, clock func() time.Time) api.ClusterContextProvider {
	return func(ctx context.Context, clusterID string) (classify.ClusterContext, error) {
		p, ok := profiles[clusterID]
		if !ok {
			return classify.ClusterContext{Environment: "production"}, nil
		}
		return classify.ClusterContext{
			Environment:         p.Environment,
			ProtectedNamespaces: p.ProtectedNamespaces,
			ActorRole:           p.ActorRoles[auth.ActorID(ctx)],
			PeakWindow:          p.InPeakWindow(clock().UTC().Hour()),
		}, nil
	}
}

func mergedActorRoles(profiles map[string]*config.ClusterProfile) map[string]string {
	roles := make(map[string]string)
	for _, p := range profiles {
		for actor, role := range p.ActorRoles {
			roles[actor] = role
		}
	}
	return roles
}

func runServer(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rules, err := loadRules(cfg)
	if err != nil {
		return err
	}

	var signals sanitize.SignalStore
	if cfg.RedisAddr != "" {
		signals = sanitize.NewRedisSignalStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.SessionTTL)
		logger.Info("session signals backed by redis", "addr", cfg.RedisAddr)
	} else {
		mem := sanitize.NewMemorySignalStore(cfg.SessionTTL)
		defer mem.Close()
		signals = mem
	}
	sanitizer := sanitize.NewSanitizer(rules, signals, logger)

	classifier, err := classify.NewClassifier(classify.StaticEstimator{}, logger)
	if err != nil {
		return err
	}

	store, closeStore, err := openLedgerStore(cfg)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer closeStore()

	led := ledger.New(store, logger)
	exporter, err := ledger.NewExporter(led, evidenceSecret(cfg, logger))
	if err != nil {
		return err
	}

	profiles, err := config.LoadAllProfiles(cfg.ProfilesDir)
	if err != nil {
		return fmt.Errorf("load cluster profiles: %w", err)
	}
	if len(profiles) == 0 {
		logger.Warn("no cluster profiles found", "dir", cfg.ProfilesDir)
	}

	runner := cluster.NewRunner(logger)
	authorizer := plan.NewStaticAuthorizer(mergedActorRoles(profiles))
	coordinator := plan.NewCoordinator(
		plan.NewMemoryPlanStore(), led, authorizer,
		runner, runner, runner,
		logger, plan.WithApprovalTTL(cfg.ApprovalTTL),
	)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "kubegate",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEnabled,
		Insecure:       true,
	}, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	server := api.NewServer(
		sanitizer, classifier, coordinator, led, exporter,
		clusterContextProvider(profiles, time.Now),
		auth.ActorID,
		obs,
		logger,
	)
	mux := http.NewServeMux()
	server.Routes(mux)

	var validator *auth.JWTValidator
	if cfg.AuthSecret != "" {
		validator = auth.NewJWTValidator(auth.NewStaticKeySet([]byte(cfg.AuthSecret)))
	} else {
		logger.Warn("AUTH_SECRET not set, all authenticated routes will be refused")
	}
	limiter := auth.NewActorRateLimiter(cfg.RateLimitRPS, cfg.RateBurst)

	handler := api.Chain(mux,
		api.RecoveryMiddleware(logger),
		auth.RequestIDMiddleware,
		auth.CORSMiddleware(nil),
		api.LoggingMiddleware(logger),
		auth.NewMiddleware(validator),
		limiter.Middleware,
		api.IdempotencyMiddleware(api.NewIdempotencyStore(24*time.Hour)),
	)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Sweep stale approval windows while the server runs.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := coordinator.ExpireSweep(ctx); err != nil {
					logger.Warn("expire sweep failed", "error", err)
				} else if n > 0 {
					logger.Info("expired stale plans", "count", n)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kubegate listening", "port", cfg.Port, "ledger", cfg.LedgerBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func runVerify(cfg *config.Config, stdout io.Writer) error {
	store, closeStore, err := openLedgerStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	led := ledger.New(store, slog.New(slog.DiscardHandler))
	report, err := led.Verify(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "chain intact: %d entries, head seq %d, head %s\n",
		report.Entries, report.HeadSeq, report.HeadHash)
	return nil
}

func runExport(cfg *config.Config, stdout io.Writer, logger *slog.Logger) error {
	ctx := context.Background()
	store, closeStore, err := openLedgerStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	led := ledger.New(store, logger)
	exporter, err := ledger.NewExporter(led, evidenceSecret(cfg, logger))
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	manifest, err := exporter.Export(ctx, ledger.Filter{}, &buf)
	if err != nil {
		return err
	}

	sink, err := ledger.NewSinkFromEnv(ctx)
	if err != nil {
		return err
	}
	location, err := sink.Put(ctx, fmt.Sprintf("evidence-%s.zip", manifest.PackID), buf.Bytes())
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "evidence pack %s written to %s\n", manifest.PackID, location)
	return nil
}

func runHealth(cfg *config.Config, stdout io.Writer) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", cfg.Port)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	fmt.Fprintf(stdout, "healthy: %s\n", strings.TrimSpace(string(body)))
	return nil
}
