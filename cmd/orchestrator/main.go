package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/splax/sitedeploy/internal/app/migrate"
	httpx "github.com/splax/sitedeploy/internal/http"
	"github.com/splax/sitedeploy/internal/observability"
	"github.com/splax/sitedeploy/internal/repository"
	"github.com/splax/sitedeploy/internal/repository/memory"
	"github.com/splax/sitedeploy/internal/repository/postgres"
	"github.com/splax/sitedeploy/internal/service/circuit"
	"github.com/splax/sitedeploy/internal/service/deploy"
	"github.com/splax/sitedeploy/internal/service/diagnose"
	"github.com/splax/sitedeploy/internal/service/logs"
	"github.com/splax/sitedeploy/internal/service/orchestrator"
	"github.com/splax/sitedeploy/internal/target"
	"github.com/splax/sitedeploy/internal/ws"
	"github.com/splax/sitedeploy/pkg/config"
	"github.com/splax/sitedeploy/pkg/logger"
)

const serviceName = "sitedeploy-orchestrator"

func main() {
	cfg := config.LoadOrchestratorConfig()
	log := logger.New("orchestrator", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("orchestrator exited", "error", err)
		os.Exit(1)
	}
}

type stores struct {
	deployments repository.DeploymentRepository
	agentLogs   repository.AgentLogRepository
	health      func(context.Context) error
	close       func()
}

func run(ctx context.Context, cfg config.OrchestratorConfig, log *slog.Logger) error {
	shutdownTracing, err := observability.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("trace flush failed", "error", err)
		}
	}()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	healthChecks := map[string]httpx.HealthCheck{}
	if st.health != nil {
		healthChecks["database"] = st.health
	}

	var breaker circuit.Breaker = circuit.NewMemory(cfg.CircuitThreshold, cfg.CircuitWindow)
	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			log.Warn("redis unavailable, using process-local breaker and rate limiter", "addr", addr, "error", err)
		} else {
			defer client.Close()
			breaker = circuit.NewRedisWithClient(client, cfg.CircuitThreshold, cfg.CircuitWindow, log)
			limiter.Close()
			limiter = httpx.NewRedisRateLimiterWithClient(client, log)
			healthChecks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
			log.Info("redis breaker and rate limiter enabled", "addr", addr)
		}
	}

	hostingClient, err := target.NewClient(cfg.HostingAPIURL, cfg.HostingAPIToken, &http.Client{Timeout: cfg.HostingTimeout})
	if err != nil {
		return fmt.Errorf("configure hosting client: %w", err)
	}

	hub := ws.NewHub(cfg.StreamBuffer, log)
	logSvc := logs.New(st.deployments, st.agentLogs, hub, log)
	orch := orchestrator.New(
		deploy.New(hostingClient, log, cfg.StepTimeout),
		diagnose.New(hostingClient, log, cfg.StepTimeout),
		breaker,
		logSvc,
		log,
		orchestrator.NewMetrics(prometheus.DefaultRegisterer),
		orchestrator.Config{MaxRetries: cfg.MaxRetries, BackoffBase: cfg.BackoffBase},
	)

	router := httpx.NewRouter(httpx.Config{
		Logger:           log,
		Orchestrator:     orch,
		Logs:             logSvc,
		Hub:              hub,
		Breaker:          breaker,
		Limiter:          limiter,
		JWTSecret:        cfg.JWTSecret,
		DeployRateLimit:  cfg.DeployRateLimit,
		DeployRateWindow: cfg.DeployRateWindow,
		HealthChecks:     healthChecks,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("orchestrator server starting", "addr", cfg.Addr, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := orch.Wait(shutdownCtx); err != nil {
			log.Warn("in-flight deployments did not finish before shutdown", "error", err)
		}
		hub.Shutdown()
		log.Info("orchestrator server stopped")
		return nil
	})
	return g.Wait()
}

// openStores connects to Postgres when DATABASE_URL is set and falls back to
// an in-process store otherwise.
func openStores(ctx context.Context, cfg config.OrchestratorConfig, log *slog.Logger) (stores, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Warn("DATABASE_URL not set, deployment history is kept in memory")
		repo := memory.New()
		return stores{deployments: repo, agentLogs: repo, close: func() {}}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return stores{}, fmt.Errorf("connect to database: %w", err)
	}
	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return stores{}, fmt.Errorf("configure migrations: %w", err)
	}
	if err := runner.Ping(ctx); err != nil {
		runner.Close()
		return stores{}, fmt.Errorf("database ping: %w", err)
	}
	if cfg.AutoMigrate {
		if err := runner.Ensure(ctx); err != nil {
			runner.Close()
			return stores{}, fmt.Errorf("apply migrations: %w", err)
		}
	}
	repo := postgres.New(pool)
	return stores{deployments: repo, agentLogs: repo, health: pool.Ping, close: runner.Close}, nil
}
