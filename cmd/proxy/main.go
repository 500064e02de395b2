package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erdnusse/Anime-project/pkg/api"
	"github.com/erdnusse/Anime-project/pkg/cache"
	"github.com/erdnusse/Anime-project/pkg/connlimit"
	"github.com/erdnusse/Anime-project/pkg/logging"
	"github.com/erdnusse/Anime-project/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getEnv("PROXY_CONFIG", ""), "path to proxy.yaml")
	flag.Parse()

	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Open durable cache store failed")
	}

	tiered := cache.New(cfg.cacheConfig(), store, logging.NewLogger("cache"))
	tiered.StartSweeper(ctx)
	defer tiered.Close()

	limiter := connlimit.New(cfg.Upstream.MaxConnsPerHost, logging.NewLogger("connlimit"))

	jitter := true
	if cfg.Retry.Jitter != nil {
		jitter = *cfg.Retry.Jitter
	}

	clientCfg := api.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		UserAgent: cfg.Upstream.UserAgent,
		Cache:     tiered,
		Limiter:   limiter,
		Tokens:    envTokenProvider{},
		Timeout:   cfg.Upstream.Timeout,
		Retry: api.RetryPolicy{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Factor:       cfg.Retry.Factor,
			Jitter:       jitter,
		},
	}

	client, err := api.New(clientCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Create upstream client failed")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		metrics.Registry, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}),
	))
	mux.HandleFunc("/api/", apiHandler(client, logging.NewLogger("ingress")))
	mux.HandleFunc("/image", imageHandler(client, logging.NewLogger("ingress")))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("upstream", cfg.Upstream.BaseURL).
			Str("cache_backend", cfg.Cache.Backend).
			Msg("Proxy server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
}

// openStore builds the durable cache tier selected by the configuration.
// Returns nil for a memory-only deployment.
func openStore(ctx context.Context, cfg Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Cache.RedisAddr, err)
		}
		return cache.NewRedisStore(client), nil
	case "leveldb":
		return cache.OpenLevelDBStore(cfg.Cache.LevelDBPath)
	default:
		return nil, nil
	}
}

// envTokenProvider reads the upstream bearer token from the environment.
// An empty value means requests go out unauthenticated.
type envTokenProvider struct{}

func (envTokenProvider) Token(context.Context) string {
	return os.Getenv("UPSTREAM_TOKEN")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
