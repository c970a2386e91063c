// Command server runs the relaymux gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaymux/relaymux/internal/api"
	"github.com/relaymux/relaymux/internal/auth"
	"github.com/relaymux/relaymux/internal/cache"
	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/events"
	"github.com/relaymux/relaymux/internal/failover"
	"github.com/relaymux/relaymux/internal/guardrail"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/pipeline"
	"github.com/relaymux/relaymux/internal/pricing"
	"github.com/relaymux/relaymux/internal/provider"
	"github.com/relaymux/relaymux/internal/ratelimit"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/router"
	"github.com/relaymux/relaymux/internal/spend"
	"github.com/relaymux/relaymux/internal/statestore"

	_ "github.com/relaymux/relaymux/internal/provider/anthropic"
	_ "github.com/relaymux/relaymux/internal/provider/openai"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	bootstrap := observability.NewLogger(observability.LoggerConfig{JSONFormat: true}, nil)

	manager, err := config.NewManager(configPath, bootstrap.Slog())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := manager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		JSONFormat: cfg.Logging.Format != "text",
	}, observability.NewRedactor())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	store, err := buildStateStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	authStore, err := buildAuthStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer authStore.Close()

	ledger, err := buildLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	reg, err := registry.New(cfg, logger.Slog())
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	manager.OnChange(reg.Reload)

	bus := events.NewBus(store, logger)

	calc := pricing.NewCalculator(cfg.Pricing)
	tracker := router.NewTracker(store, bus, logger)
	rt := router.New(manager, tracker, store, calc, logger)
	exec := failover.New(manager, rt, logger)
	limiter := ratelimit.NewLimiter(store)
	accountant := spend.NewAccountant(manager, calc, authStore, ledger, store, bus, logger)

	instances, err := guardrail.Build(cfg.Guardrails)
	if err != nil {
		return fmt.Errorf("build guardrails: %w", err)
	}
	guardrails := guardrail.NewRunner(instances, logger)

	cacheStore := store
	if cfg.Cache.Backend == "local" {
		cacheStore = statestore.NewLocalStore()
	}
	cacheEngine := cache.NewEngine(cacheStore, cfg.Cache.TTL, cfg.Cache.Enabled, logger)

	pipe := pipeline.New(pipeline.Options{
		Manager:    manager,
		Registry:   reg,
		Providers:  provider.NewRegistry(provider.NewHTTPClient()),
		Failover:   exec,
		Limiter:    limiter,
		Accountant: accountant,
		Cache:      cacheEngine,
		Guardrails: guardrails,
		Bus:        bus,
		Tracer:     tracerProvider.Tracer(),
		Logger:     logger,
	})

	authenticator := auth.NewAuthenticator(authStore, cfg.Auth.MasterKey, logger)

	server := api.New(api.Options{
		Config:        cfg,
		Pipeline:      pipe,
		Registry:      reg,
		Limiter:       limiter,
		Authenticator: authenticator,
		AuthStore:     authStore,
		Ledger:        ledger,
		StateStore:    store,
		Logger:        logger,
	})

	if err := manager.Watch(ctx); err != nil {
		logger.Warn("config watch disabled", "error", err)
	}
	defer manager.Close()

	go accountant.RunSweeper(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildStateStore(cfg *config.Config, logger *observability.Logger) (statestore.Store, error) {
	if !cfg.Redis.Enabled {
		logger.Info("state store: local")
		return statestore.NewLocalStore(), nil
	}

	rcfg := statestore.DefaultRedisConfig()
	if cfg.Redis.Addr != "" {
		rcfg.Addr = cfg.Redis.Addr
	}
	rcfg.Password = cfg.Redis.Password
	rcfg.DB = cfg.Redis.DB
	if cfg.Redis.PoolSize > 0 {
		rcfg.PoolSize = cfg.Redis.PoolSize
	}

	redisStore, err := statestore.NewRedisStore(rcfg)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("state store: redis with local fallback", "addr", rcfg.Addr)
	return statestore.NewFallbackStore(redisStore, logger.Slog()), nil
}

func buildAuthStore(ctx context.Context, cfg *config.Config) (auth.Store, error) {
	if cfg.Auth.Store == "postgres" {
		if !cfg.Postgres.Enabled {
			return nil, fmt.Errorf("auth.store is postgres but postgres is disabled")
		}
		store, err := auth.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres auth store: %w", err)
		}
		return store, nil
	}
	return auth.NewMemoryStore(), nil
}

func buildLedger(ctx context.Context, cfg *config.Config) (spend.Ledger, error) {
	if cfg.Postgres.Enabled {
		ledger, err := spend.NewPostgresLedger(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres ledger: %w", err)
		}
		return ledger, nil
	}
	return spend.NewMemoryLedger(), nil
}
