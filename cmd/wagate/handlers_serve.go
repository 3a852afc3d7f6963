package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/wagate/internal/backoff"
	"github.com/haasonsaas/wagate/internal/channels"
	"github.com/haasonsaas/wagate/internal/channels/whatsapp"
	"github.com/haasonsaas/wagate/internal/config"
	"github.com/haasonsaas/wagate/internal/credentials"
	"github.com/haasonsaas/wagate/internal/fanout"
	"github.com/haasonsaas/wagate/internal/gateway"
	"github.com/haasonsaas/wagate/internal/observability"
	"github.com/haasonsaas/wagate/internal/storage"
	"github.com/haasonsaas/wagate/internal/tenants"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, wires the registry and HTTP server, and
// blocks until a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    os.Stderr,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	logger.Info("starting wagate",
		"version", version,
		"commit", commit,
		"config", configPath,
		"http_port", cfg.Server.HTTPPort,
		"provisioning", cfg.Sessions.Provisioning,
	)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Attributes:     cfg.Tracing.Attributes,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promRegistry)

	registry, cleanup, err := buildRegistry(ctx, cfg, logger, metrics, tracer)
	if err != nil {
		return err
	}
	defer cleanup()

	restored, err := registry.Restore(ctx)
	if err != nil {
		logger.Warn("some tenants failed to restore", "error", err)
	}
	logger.Info("tenants restored", "count", len(restored))

	server, err := gateway.NewServer(registry, gateway.Options{
		Config:       cfg.Server,
		Logger:       logger,
		Tracer:       tracer,
		Gatherer:     promRegistry,
		StreamBuffer: cfg.Sessions.EventBuffer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		_ = registry.Shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Sessions.ShutdownTimeout+cfg.Sessions.TeardownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := server.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("registry shutdown: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("wagate stopped gracefully")
	return nil
}

// buildRegistry wires the tenant registry with its credential store, client
// factory, optional SQL directory, and optional Redis mirror. cleanup
// releases the external connections after the registry has shut down.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*tenants.Registry, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	creds, err := credentials.New(config.ExpandPath(cfg.Sessions.StorageRoot))
	if err != nil {
		return nil, cleanup, fmt.Errorf("credential store: %w", err)
	}

	factory, err := whatsapp.NewFactory(whatsapp.Config{
		StoreDriver:          cfg.WhatsApp.StoreDriver,
		DeviceName:           cfg.WhatsApp.DeviceName,
		SendRate:             cfg.WhatsApp.SendRate,
		SendBurst:            cfg.WhatsApp.SendBurst,
		TrackedConversations: cfg.WhatsApp.TrackedConversations,
	}, logger)
	if err != nil {
		return nil, cleanup, fmt.Errorf("whatsapp factory: %w", err)
	}

	var directory storage.TenantStore = storage.NewMemoryTenantStore()
	if cfg.Database.URL != "" {
		pool := storage.DefaultCockroachConfig()
		if cfg.Database.MaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.Database.MaxOpenConns
		}
		if cfg.Database.MaxIdleConns > 0 {
			pool.MaxIdleConns = cfg.Database.MaxIdleConns
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		if cfg.Database.ConnectTimeout > 0 {
			pool.ConnectTimeout = cfg.Database.ConnectTimeout
		}
		store, err := storage.NewCockroachTenantStoreFromDSN(cfg.Database.URL, pool)
		if err != nil {
			return nil, cleanup, fmt.Errorf("tenant directory: %w", err)
		}
		directory = store
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				logger.Warn("tenant directory close failed", "error", err)
			}
		})
		logger.Info("using sql tenant directory")
	}

	var mirrors []fanout.Sink
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			cleanup()
			return nil, func() {}, fmt.Errorf("redis ping: %w", err)
		}
		sink := fanout.NewRedisStreamSink(fanout.RedisStreamConfig{
			Client:    client,
			KeyPrefix: cfg.Redis.KeyPrefix,
			MaxLen:    cfg.Redis.MaxLen,
			Logger:    logger,
		})
		mirrors = append(mirrors, sink)
		closers = append(closers, func() {
			_ = sink.Close()
			_ = client.Close()
		})
		logger.Info("mirroring events to redis streams", "addr", cfg.Redis.Addr)
	}

	retry := cfg.Sessions.Retry
	registry, err := tenants.New(tenants.Options{
		Factory:          factory,
		Credentials:      creds,
		Hub:              fanout.NewHub(fanout.Options{Logger: logger, Metrics: metrics, Mirrors: mirrors}),
		Directory:        directory,
		Provisioning:     tenants.Provisioning(cfg.Sessions.Provisioning),
		PairingTimeout:   cfg.Sessions.PairingTimeout,
		ConnectTimeout:   cfg.Sessions.ConnectTimeout,
		TeardownTimeout:  cfg.Sessions.TeardownTimeout,
		ShutdownTimeout:  cfg.Sessions.ShutdownTimeout,
		MaxConversations: cfg.Sessions.MaxConversations,
		EventBuffer:      cfg.Sessions.EventBuffer,
		Reconnect: channels.ReconnectConfig{
			MaxAttempts: retry.MaxAttempts,
			Policy: backoff.Policy{
				Initial: retry.InitialDelay,
				Max:     retry.MaxDelay,
				Factor:  retry.Factor,
				Jitter:  retry.Jitter,
			},
		},
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("tenant registry: %w", err)
	}
	return registry, cleanup, nil
}
