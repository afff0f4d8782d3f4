package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/llm-dev-ops/marketplace/internal/analytics"
	"github.com/llm-dev-ops/marketplace/internal/auth"
	"github.com/llm-dev-ops/marketplace/internal/config"
	"github.com/llm-dev-ops/marketplace/internal/costmeter"
	"github.com/llm-dev-ops/marketplace/internal/pipeline"
	"github.com/llm-dev-ops/marketplace/internal/quota"
	"github.com/llm-dev-ops/marketplace/internal/ratelimit"
	"github.com/llm-dev-ops/marketplace/internal/router"
	"github.com/llm-dev-ops/marketplace/internal/server"
	"github.com/llm-dev-ops/marketplace/internal/slamonitor"
	"github.com/llm-dev-ops/marketplace/internal/storage/postgres"
	"github.com/llm-dev-ops/marketplace/internal/telemetry"
	"github.com/llm-dev-ops/marketplace/internal/upstream"
	"github.com/llm-dev-ops/marketplace/internal/worker"
)

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	initLogging(cfg)
	slog.Info("starting gandalf", "version", version, "addr", cfg.Addr(), "environment", cfg.Environment)

	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.TracingEndpoint != "" {
		shutdown, err := telemetry.SetupTracing(context.Background(), cfg.TracingEndpoint, cfg.TracingSampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("gandalf/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", cfg.TracingEndpoint, "sample_rate", cfg.TracingSampleRate)
		}
	}

	store, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("database opened", "dsn", sanitizeDSN(cfg.DatabaseURL))

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	rdb := redis.NewClient(asRedisOptions(cfg.RedisURL))
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	authMgr, err := auth.New(store, []byte(cfg.AuthLookupKey))
	if err != nil {
		return err
	}

	limiter := ratelimit.New(rdb)
	quotaMgr := quota.New(rdb, store)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRegistry.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(promRegistry)
	metricsHandler := promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
	slog.Info("prometheus metrics enabled")

	var registryClient *upstream.RegistryClient
	if cfg.LLMRegistryURL != "" {
		registryClient = upstream.NewRegistryClient(cfg.LLMRegistryURL)
	}
	dispatcher := router.New(metrics, registryClient)

	costMeter := costmeter.New(store, metrics)

	sla := slamonitor.New(store, store, nil)

	policyClient := upstream.NewPolicyClient(cfg.PolicyEngineURL)

	var shieldScanner pipeline.ShieldScanner
	if cfg.LLMShieldURL != "" {
		shieldScanner = upstream.NewShieldClient(cfg.LLMShieldURL)
		slog.Info("shield scanning enabled", "url", cfg.LLMShieldURL)
	}

	analyticsSink := analytics.NewHTTPSink(cfg.AnalyticsHubURL, analyticsTimeout(cfg))
	analyticsStreamer := analytics.New(analyticsSink)

	pl := pipeline.New(authMgr, store, policyClient, limiter, quotaMgr, dispatcher, costMeter, sla, analyticsStreamer, shieldScanner, metrics)

	deps := server.Deps{
		Auth:           authMgr,
		Consumer:       pl,
		Quota:          quotaMgr,
		Usage:          costMeter,
		Keys:           authMgr,
		SLA:            sla,
		Services:       store,
		RateLimiter:    limiter,
		QuotaReset:     quotaMgr,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     store.Ping,
		Tracer:         tracer,
	}
	if registryClient != nil {
		deps.Registry = registryClient
	}
	handler := server.New(deps)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	workers := []worker.Worker{
		worker.NewQuotaPersistWorker(quotaMgr),
		worker.NewSLASweepWorker(sla, store),
		analyticsStreamer,
	}
	runner := worker.NewRunner(workers...)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("gandalf ready", "addr", cfg.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("gandalf stopped")
	return nil
}

func initLogging(cfg *config.Config) {
	level := slog.LevelInfo
	if cfg.ValidLogLevel() {
		_ = level.UnmarshalText([]byte(cfg.LogLevel))
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Production() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func sanitizeDSN(dsn string) string {
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		return dsn[:i]
	}
	return dsn
}

func asRedisOptions(url string) *redis.Options {
	opts, err := redis.ParseURL(url)
	if err != nil {
		slog.Warn("invalid REDIS_URL, falling back to localhost default", "error", err)
		return &redis.Options{Addr: "localhost:6379"}
	}
	return opts
}

func analyticsTimeout(cfg *config.Config) time.Duration {
	if cfg.AnalyticsTimeoutMs > 0 {
		return time.Duration(cfg.AnalyticsTimeoutMs) * time.Millisecond
	}
	return 5 * time.Second
}
