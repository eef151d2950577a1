package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/triage-ai/toolmesh/internal/auth"
	"github.com/triage-ai/toolmesh/internal/gateway"
	"github.com/triage-ai/toolmesh/internal/invoke"
	"github.com/triage-ai/toolmesh/internal/ledger"
	"github.com/triage-ai/toolmesh/internal/orchestrator"
	"github.com/triage-ai/toolmesh/internal/planner"
	"github.com/triage-ai/toolmesh/internal/registry"
	"github.com/triage-ai/toolmesh/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	gatewayService = "toolmesh.v1.Gateway"
	toolServicePfx = "toolmesh.tool."
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("TOOLMESH_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("TOOLMESH_HTTP_PORT", "8080")
	grpcPort := envOrDefault("TOOLMESH_GRPC_PORT", "50061")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	catalogPath := os.Getenv("TOOLMESH_CATALOG_PATH")
	templatesPath := os.Getenv("TOOLMESH_TEMPLATES_PATH")
	healthInterval := envOrDefaultInt("TOOLMESH_HEALTH_INTERVAL_S", 300)
	healthDelay := envOrDefaultInt("TOOLMESH_HEALTH_INITIAL_DELAY_S", 30)
	pollIntervalMs := envOrDefaultInt("TOOLMESH_POLL_INTERVAL_MS", 3000)
	maxWait := envOrDefaultInt("TOOLMESH_MAX_WAIT_S", 300)
	maxRetries := envOrDefaultInt("TOOLMESH_MAX_RETRIES", 1)
	authCacheTTL := envOrDefaultInt("TOOLMESH_AUTH_CACHE_TTL_S", 30)
	planCacheTTL := envOrDefaultInt("TOOLMESH_PLAN_CACHE_TTL_S", 300)
	// 0 derives the window from the retry policy and wait budget.
	pendingTimeout := envOrDefaultInt("TOOLMESH_LEDGER_PENDING_TIMEOUT_S", 0)
	toolRefresh := envOrDefaultInt("TOOLMESH_TOOL_REFRESH_S", 60)

	logger.Info("starting toolmesh server",
		zap.String("version", version),
		zap.String("http_port", httpPort),
		zap.String("grpc_port", grpcPort),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Postgres is optional; without it auth is static and the ledger in-memory.
	var db *sql.DB
	if postgresDSN != "" {
		db = mustOpenPostgres(postgresDSN, logger)
		defer func() { _ = db.Close() }()
		logger.Info("postgres connected")
	}

	// Capability registry
	reg, err := registry.NewWithCatalog(logger, registry.DefaultCatalog())
	if err != nil {
		logger.Fatal("failed to load built-in catalog", zap.Error(err))
	}
	if catalogPath != "" {
		defs, err := registry.LoadCatalogFile(catalogPath)
		if err != nil {
			logger.Fatal("failed to read catalog", zap.String("path", catalogPath), zap.Error(err))
		}
		if err := reg.Load(defs, registry.RegisterOptions{AllowOverride: true}); err != nil {
			logger.Fatal("failed to register catalog", zap.String("path", catalogPath), zap.Error(err))
		}
		logger.Info("catalog loaded", zap.String("path", catalogPath), zap.Int("tools", len(defs)))
	}
	if db != nil {
		src := registry.NewPostgresSource(db, logger)
		n, err := src.LoadInto(ctx, reg)
		if err != nil {
			logger.Warn("postgres tool source unavailable", zap.Error(err))
		} else {
			logger.Info("postgres tools loaded", zap.Int("tools", n))
		}
		src.Watch(ctx, reg, time.Duration(toolRefresh)*time.Second)
	}

	// gRPC health: overall status plus one entry per tool
	healthServer := health.NewServer()
	for _, def := range reg.Enabled() {
		healthServer.SetServingStatus(toolServicePfx+def.ID, healthpb.HealthCheckResponse_UNKNOWN)
	}
	checker := registry.NewHealthChecker(reg, registry.NewHTTPProber(nil), registry.HealthCheckerConfig{
		Interval:     time.Duration(healthInterval) * time.Second,
		InitialDelay: time.Duration(healthDelay) * time.Second,
		Observer: func(toolID string, _, next registry.HealthStatus) {
			healthServer.SetServingStatus(toolServicePfx+toolID, servingStatus(next))
		},
		Logger: logger,
	})
	checker.Start(ctx)

	// Execution adapter
	adapter := invoke.NewAdapter(invoke.Config{
		HTTP:         invoke.NewHTTPClient(logger),
		Credentials:  providerCredentials(os.Environ()),
		PollInterval: time.Duration(pollIntervalMs) * time.Millisecond,
		MaxWait:      time.Duration(maxWait) * time.Second,
		Logger:       logger,
	})
	policy := invoke.DefaultRetryPolicy()
	policy.MaxRetries = maxRetries
	invoker := invoke.NewRetrying(adapter, policy, logger)

	pendingWindow, raised := ledgerPendingWindow(
		time.Duration(pendingTimeout)*time.Second, policy, time.Duration(maxWait)*time.Second)
	if raised {
		logger.Warn("ledger pending timeout shorter than the longest tool call, raising it",
			zap.Int("configured_s", pendingTimeout),
			zap.Duration("window", pendingWindow),
		)
	}

	executor := orchestrator.NewExecutor(reg, invoker, logger)

	// Templates: built-ins overridden by the optional file
	templates := orchestrator.DefaultTemplates()
	if templatesPath != "" {
		fileTemplates, err := orchestrator.LoadTemplates(templatesPath)
		if err != nil {
			logger.Fatal("failed to read templates", zap.String("path", templatesPath), zap.Error(err))
		}
		templates = templates.Merge(fileTemplates)
	}

	// Plan generator, only when a reasoning service is configured
	var generator *planner.Generator
	if os.Getenv("REASONER_API_KEY") != "" || os.Getenv("REASONER_BASE_URL") != "" {
		generator = planner.NewGenerator(planner.GeneratorConfig{
			Catalog: reg,
			Reasoner: planner.NewOpenAIReasoner(
				os.Getenv("REASONER_BASE_URL"),
				os.Getenv("REASONER_API_KEY"),
				envOrDefault("REASONER_MODEL", "gpt-4o-mini"),
			),
			CacheTTL: time.Duration(planCacheTTL) * time.Second,
			Logger:   logger,
		})
		logger.Info("plan generator enabled")
	} else {
		logger.Info("no REASONER_API_KEY set, goal-based orchestration disabled")
	}

	// Ledger and auth
	var (
		credits       ledger.Ledger
		authenticator auth.Authenticator
	)
	if db != nil {
		pg := ledger.NewPostgresLedger(db)
		ledger.StartSweeper(ctx, pg, time.Minute, pendingWindow, logger)
		credits = pg
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: time.Duration(authCacheTTL) * time.Second,
			Logger:   logger,
		})
		logger.Info("postgres ledger and authenticator enabled")
	} else {
		mem := ledger.NewMemoryLedger(nil)
		ledger.StartSweeper(ctx, mem, time.Minute, pendingWindow, logger)
		credits = mem
		authenticator = auth.NewStaticAuthenticator()
		logger.Info("using static authenticator and in-memory ledger (no POSTGRES_DSN)")
	}

	// Usage events: ClickHouse or LogWriter fallback
	var (
		writer storage.EventWriter
		reader *storage.Reader
	)
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
		reader, err = storage.NewReader(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
			reader = nil
		} else {
			defer func() { _ = reader.Close() }()
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// HTTP gateway
	sessions := gateway.NewSessionManager(0, logger)
	deps := &gateway.Dependencies{
		Registry:  reg,
		Invoker:   invoker,
		Executor:  executor,
		Planner:   generator,
		Templates: templates,
		Ledger:    credits,
		Auth:      authenticator,
		Writer:    writer,
		Reader:    reader,
		Sessions:  sessions,
		Version:   version,
		Logger:    logger,
	}
	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           gateway.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: SSE streams and queue-mode waits outlive any fixed deadline.
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// gRPC server (health + reflection)
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(gatewayService, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", grpcPort), zap.Error(err))
	}
	go func() {
		logger.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	healthServer.SetServingStatus(gatewayService, healthpb.HealthCheckResponse_NOT_SERVING)
	sessions.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
	stop()

	logger.Info("toolmesh server stopped")
}

func mustOpenPostgres(dsn string, logger *zap.Logger) *sql.DB {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(context.Background()); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	return db
}

// settleSlack covers the submit and result fetches around a queue job's wait
// budget, plus the settlement round trip.
const settleSlack = time.Minute

// ledgerPendingWindow returns how long a reservation may stay pending before
// the sweeper rolls it back. It is never shorter than the longest call the
// retry policy allows, so a live call cannot lose its reservation. A zero
// configured value means derive it; raised reports an overridden value.
func ledgerPendingWindow(configured time.Duration, policy invoke.RetryPolicy, maxWait time.Duration) (window time.Duration, raised bool) {
	floor := invoke.MaxCallDuration(policy, maxWait) + settleSlack
	if configured <= 0 {
		return floor, false
	}
	if configured < floor {
		return floor, true
	}
	return configured, false
}

// servingStatus maps tool health onto the gRPC health vocabulary.
func servingStatus(s registry.HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	switch s {
	case registry.HealthHealthy, registry.HealthDegraded:
		return healthpb.HealthCheckResponse_SERVING
	case registry.HealthDown:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

// providerCredentials collects PROVIDER_<NAME>_AUTH variables into a map
// keyed by lower-case provider name. Values are sent verbatim as the
// Authorization header, e.g. PROVIDER_FAL_AUTH="Key abc:123".
func providerCredentials(environ []string) map[string]string {
	creds := make(map[string]string)
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || val == "" {
			continue
		}
		if !strings.HasPrefix(key, "PROVIDER_") || !strings.HasSuffix(key, "_AUTH") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, "PROVIDER_"), "_AUTH")
		if name == "" {
			continue
		}
		creds[strings.ToLower(strings.ReplaceAll(name, "_", "-"))] = val
	}
	return creds
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
