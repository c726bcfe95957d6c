package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/logger"
	"github.com/hadrianai/hadrian/internal/router"
	"github.com/hadrianai/hadrian/internal/services/cache"
	"github.com/hadrianai/hadrian/internal/services/circuitbreaker"
	"github.com/hadrianai/hadrian/internal/services/costs"
	"github.com/hadrianai/hadrian/internal/services/dispatch"
	"github.com/hadrianai/hadrian/internal/services/events"
	"github.com/hadrianai/hadrian/internal/services/fallback"
	"github.com/hadrianai/hadrian/internal/services/guardrails"
	"github.com/hadrianai/hadrian/internal/services/images"
	"github.com/hadrianai/hadrian/internal/services/providers"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	redisClient := connectRedis(cfg, log)

	breakers := circuitbreaker.NewRegistry(func(name string) config.BreakerConfig {
		return cfg.BreakerFor(cfg.Providers[name])
	})

	sharedClient := &http.Client{}
	registry := make(map[string]providers.Provider, len(cfg.Providers))
	for name, desc := range cfg.Providers {
		adapter, err := providers.New(desc, providers.Deps{
			Client:   sharedClient,
			Logger:   log,
			Breakers: breakers,
			Retry:    cfg.RetryFor(desc),
			Limits:   cfg.StreamingFor(desc),
		})
		if err != nil {
			log.Fatal("provider initialization failed",
				zap.String("provider", name), zap.Error(err))
		}
		registry[name] = adapter
		log.Info("provider registered",
			zap.String("provider", name), zap.String("type", desc.Type))
	}
	if len(registry) == 0 {
		log.Fatal("no providers configured")
	}

	orch := fallback.New(registry, breakers, cfg.ModelFallbacks, cfg.FallbackStatuses, log)
	bus := events.NewBus(cfg.Events.BufferSize)

	var responseCache dispatch.ResponseCache
	if cfg.Cache.Enabled && redisClient != nil {
		responseCache = cache.NewResponseCache(redisClient, cfg.Cache.TTL, log)
		log.Info("response cache enabled", zap.Duration("ttl", cfg.Cache.TTL))
	}

	var rails dispatch.GuardrailsEngine
	if cfg.Guardrails.Enabled {
		engine, err := guardrails.New(cfg.Guardrails, log)
		if err != nil {
			log.Fatal("guardrails initialization failed", zap.Error(err))
		}
		rails = engine
	}

	var fetcher dispatch.ImageFetcher
	if cfg.ImageFetch.Enabled {
		fetcher = images.New(cfg.ImageFetch, sharedClient, log)
	}

	pipeline := dispatch.NewPipeline(
		cfg, registry, orch,
		dispatch.NewPrefixResolver(cfg),
		responseCache,
		rails,
		costs.New(cfg.Pricing, log),
		fetcher,
		bus, log,
	)

	handler := router.New(router.Deps{
		Config:   cfg,
		Logger:   log,
		Pipeline: pipeline,
		Breakers: breakers,
		Redis:    redisClient,
		Bus:      bus,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("gateway listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

// connectRedis is best-effort: the gateway serves traffic without Redis, it
// just loses the API-key cache and the health probe's Redis status.
func connectRedis(cfg *config.Config, log *zap.Logger) *redis.Client {
	if cfg.Redis.URL == "" {
		return nil
	}
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Warn("invalid redis url, continuing without redis", zap.Error(err))
		return nil
	}
	if cfg.Redis.Password != "" {
		opt.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opt.DB = cfg.Redis.DB
	}
	if cfg.Redis.PoolSize != 0 {
		opt.PoolSize = cfg.Redis.PoolSize
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		log.Warn("redis unreachable, continuing without redis", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
