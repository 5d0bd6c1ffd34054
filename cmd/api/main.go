package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callboard/internal/agents"
	"callboard/internal/audit"
	"callboard/internal/auth"
	"callboard/internal/calls"
	"callboard/internal/config"
	"callboard/internal/httpapi"
	"callboard/internal/ingest"
	"callboard/internal/observability"
	"callboard/internal/queue"
	"callboard/internal/reporting"
	"callboard/internal/store"
	"callboard/internal/tenants"
	"callboard/internal/vendor"
	"callboard/pkg/logger"
	"callboard/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownOTel, err := observability.SetupOTel(rootCtx, cfg.OTEL, version)
	if err != nil {
		return err
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		return err
	}
	defer rdb.Close()

	if err := store.Migrate(rootCtx, db); err != nil {
		return err
	}

	// Repositories and services
	callRepo := calls.NewPostgresRepo(db)
	agentRepo := agents.NewPostgresRepo(db)
	tenantRepo := tenants.NewPostgresRepo(db)
	if err := ensureDefaultTenant(rootCtx, tenantRepo, cfg.Ingest.DefaultTenantID, log); err != nil {
		return err
	}
	tasks := queue.NewPostgresQueue(db)
	wake := queue.NewRedisNotifier(rdb, queue.DefaultWakeChannel)

	vendorClient := vendor.NewClient(
		vendor.WithBaseURL(cfg.Vendor.APIBaseURL),
		vendor.WithTimeout(cfg.Vendor.Timeout),
	)
	fallback := reporting.NewFallback(
		vendorClient,
		tenantRepo,
		reporting.NewRedisCache(rdb),
		reporting.NewRedisLimiter(rdb, 1, cfg.Vendor.Timeout+5*time.Second),
		reporting.FallbackConfig{CacheTTL: cfg.Vendor.FallbackCacheTTL, Limit: cfg.Vendor.FallbackLimit},
	)

	deps := routeDeps{
		cfg:     cfg,
		auth:    authManager,
		reports: reporting.NewService(callRepo, agentRepo, tenantRepo, fallback),
		tenants: tenantRepo,
		webhook: ingest.WebhookHandler{
			Secret: cfg.Vendor.WebhookSecret,
			Audit:  audit.NewService(audit.NewPostgresRepo(db)),
			Queue:  tasks,
			Wake:   wake,
		},
		ready: map[string]httpapi.Check{
			"postgres": func(ctx context.Context) error { return utils.HealthCheck(ctx, db, 2*time.Second) },
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	}

	r := gin.New()
	r.Use(gin.Recovery())
	registerRoutes(r, log, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	processor := ingest.NewProcessor(callRepo, agentRepo, tenantRepo, cfg.Ingest.DefaultTenantID)
	worker := queue.NewWorker(tasks, processor.Handle, wake, queue.WorkerConfig{
		Concurrency:  cfg.Ingest.Workers,
		BatchSize:    cfg.Ingest.BatchSize,
		MaxAttempts:  cfg.Ingest.MaxAttempts,
		RetryBase:    cfg.Ingest.RetryBaseDelay,
		PollInterval: cfg.Ingest.PollInterval,
		Lease:        cfg.Ingest.Lease,
	}, log)

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})

	err = g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := shutdownOTel(flushCtx); ferr != nil {
		log.Error("otel shutdown failed", "err", ferr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// ensureDefaultTenant creates the configured webhook fallback tenant so a
// fresh database does not dead-letter every unattributed event.
func ensureDefaultTenant(ctx context.Context, repo tenants.Repository, id string, log *slog.Logger) error {
	if id == "" {
		return nil
	}
	t, created, err := repo.Ensure(ctx, id, "")
	if err != nil {
		return fmt.Errorf("ensure default tenant: %w", err)
	}
	if created {
		log.Info("default tenant created", "tenant_id", t.ID)
	}
	return nil
}
