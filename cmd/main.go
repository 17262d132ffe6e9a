package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tales-hq/feedbackd/internal/assistant"
	"github.com/tales-hq/feedbackd/internal/config"
	"github.com/tales-hq/feedbackd/internal/logging"
	"github.com/tales-hq/feedbackd/internal/metrics"
	"github.com/tales-hq/feedbackd/internal/retry"
	"github.com/tales-hq/feedbackd/internal/runtime"
	"github.com/tales-hq/feedbackd/internal/runtime/cache"
	"github.com/tales-hq/feedbackd/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "FEEDBACKD", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	cacheLogger := logger.With(slog.String("agent", "cache_factory"))
	cacheTTL := cfg.Server.Cache.TTLDuration(cache.DefaultTTL)
	resultCache := buildResultCache(cacheLogger, cfg.Server.Cache, cacheTTL)

	keySource, keyWatcher, err := buildKeySource(ctx, logger, cfg.Server.Assistant)
	if err != nil {
		logger.Error("assistant credential setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	if keyWatcher != nil {
		defer keyWatcher.Stop()
	}

	httpClient := &http.Client{
		Timeout: config.Duration(cfg.Server.Assistant.RequestTimeout, 30*time.Second),
	}
	assistantClient, err := assistant.NewClient(cfg.Server.Assistant.BaseURL, keySource, httpClient, logger)
	if err != nil {
		logger.Error("assistant client setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	pipe := runtime.NewPipeline(logger, runtime.PipelineOptions{
		Cache:     resultCache,
		CacheTTL:  cacheTTL,
		Assistant: assistantClient,
		Retry: retry.Policy{
			Retries: cfg.Server.Assistant.RetryAttempts,
			Delay:   config.Duration(cfg.Server.Assistant.RetryDelay, time.Second),
		},
		Metrics: metricsRecorder,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := pipe.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	handler := server.NewPipelineHandler(pipe)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", handler)

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildResultCache(logger *slog.Logger, cfg config.CacheConfig, ttl time.Duration) cache.ResultCache {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory result cache", slog.Duration("ttl", ttl))
		}
		return cache.NewMemory(ttl)
	case "redis":
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
			TTL: ttl,
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return cache.NewMemory(ttl)
		}
		if logger != nil {
			logger.Info("using redis result cache", slog.String("address", cfg.Redis.Address))
		}
		return redisCache
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory(ttl)
	}
}

// buildKeySource resolves the assistant credential: a static key, or a watched
// key file whose rotations take effect without a restart.
func buildKeySource(ctx context.Context, logger *slog.Logger, cfg config.AssistantConfig) (func() string, *config.KeyWatcher, error) {
	if cfg.APIKey != "" {
		return func() string { return cfg.APIKey }, nil, nil
	}
	if strings.TrimSpace(cfg.APIKeyFile) == "" {
		return nil, nil, errors.New("assistant api key or key file required")
	}

	var (
		mu  sync.RWMutex
		key string
	)
	watcher, err := config.WatchAPIKey(ctx, cfg.APIKeyFile, func(next string) {
		mu.Lock()
		key = next
		mu.Unlock()
		logger.Info("assistant api key loaded", slog.String("source", cfg.APIKeyFile))
	}, func(err error) {
		logger.Error("api key watcher error", slog.Any("error", err))
	})
	if err != nil {
		return nil, nil, err
	}
	source := func() string {
		mu.RLock()
		defer mu.RUnlock()
		return key
	}
	return source, watcher, nil
}
