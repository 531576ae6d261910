package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vigil-host/vigil/internal/app/migrate"
	"github.com/vigil-host/vigil/internal/bus"
	"github.com/vigil-host/vigil/internal/domain"
	httpx "github.com/vigil-host/vigil/internal/http"
	"github.com/vigil-host/vigil/internal/repository/postgres"
	"github.com/vigil-host/vigil/internal/service/orchestrator"
	"github.com/vigil-host/vigil/internal/service/policy"
	"github.com/vigil-host/vigil/internal/service/remediation"
	"github.com/vigil-host/vigil/internal/service/trust"
	"github.com/vigil-host/vigil/internal/ws"
	"github.com/vigil-host/vigil/pkg/config"
	"github.com/vigil-host/vigil/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("vigil-api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	eventBus := bus.New(cfg.StreamBuffer)
	remHub := ws.NewHub()

	trustSvc := trust.New(repo, eventBus, log)

	registry := orchestrator.NewRegistry()
	dockerExec, err := orchestrator.NewDockerExecutor(cfg.DockerHost, trustSvc, log, cfg.TrustFreshnessWindow)
	if err != nil {
		log.Error("failed to create docker executor", "error", err)
		os.Exit(1)
	}
	defer dockerExec.Close()
	registry.Register(dockerExec)

	if cfg.HypervisorAPIURL != "" {
		registry.Register(orchestrator.NewControlPlaneExecutor(cfg.HypervisorAPIURL, cfg.HypervisorAPIKey,
			domain.CapabilityDescriptor{
				Backend:        domain.BackendMicroVM,
				Supported:      []string{domain.CapabilityGPU, domain.CapabilityConfidential},
				IsolationTiers: []string{"hardware-isolated"},
			}, trustSvc, log))
	}
	if cfg.ClusterAPIURL != "" {
		registry.Register(orchestrator.NewControlPlaneExecutor(cfg.ClusterAPIURL, "",
			domain.CapabilityDescriptor{
				Backend:        domain.BackendCluster,
				Supported:      []string{domain.CapabilityGPU},
				IsolationTiers: []string{"dedicated"},
			}, trustSvc, log))
	}

	var health policy.HealthProvider
	var promotion policy.PromotionProvider
	var quota policy.QuotaProvider
	if cfg.GovernanceAPIURL != "" {
		governance := policy.NewGovernanceClient(cfg.GovernanceAPIURL, cfg.GovernanceAPIKey)
		health, promotion, quota = governance, governance, governance
	} else {
		log.Warn("no governance api configured, using permissive policy signals")
		permissive := policy.PermissiveSignals{}
		health, promotion, quota = permissive, permissive, permissive
	}
	policyEngine := policy.New(repo, repo, trustSvc, health, promotion, quota, registry, log)

	orchSvc := orchestrator.New(policyEngine, registry, repo, log, cfg.LaunchTimeout, cfg.ExecutorOpTimeout)

	cancels := remediation.NewCancelRegistry()
	engine := remediation.NewEngine(repo, repo, repo, trustSvc, eventBus, cancels, log,
		cfg.DefaultPlaybookKey, cfg.RemediationDefaultSLA)

	adapters := []remediation.RunAdapter{remediation.NewShellAdapter()}
	scriptAdapter, err := remediation.NewScriptAdapter(cfg.DockerHost)
	if err != nil {
		log.Warn("orchestration-script adapter unavailable", "error", err)
	} else {
		defer scriptAdapter.Close()
		adapters = append(adapters, scriptAdapter)
	}
	if cfg.AutomationAPIURL != "" {
		adapters = append(adapters, remediation.NewCloudAPIAdapter(cfg.AutomationAPIURL, cfg.AutomationAPIKey))
	}
	worker := remediation.NewWorker(repo, repo, repo, trustSvc, remediation.NewAdapterRegistry(adapters...),
		engine, remHub, cancels, log, cfg.RemediationWorkerInterval, cfg.RemediationExecTimeout, cfg.RemediationMaxAttempts)

	go engine.Start(ctx)
	go worker.Start(ctx)
	go worker.StartSLASweep(ctx, cfg.RemediationSweepInterval)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, trustSvc, orchSvc, policyEngine, engine, repo, eventBus, remHub,
		limiter, cfg.JWTSecret, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "backends", registry.Kinds())
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
