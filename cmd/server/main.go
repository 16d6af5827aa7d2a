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

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	apihttp "trackstream/internal/api/http"
	"trackstream/internal/app"
	"trackstream/internal/auth"
	"trackstream/internal/cache"
	"trackstream/internal/library"
	"trackstream/internal/metrics"
	"trackstream/internal/prefetch"
	"trackstream/internal/telemetry"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Settings{
		ServiceName: "trackstream",
		Endpoint:    cfg.OTELEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		_ = shutdownTracer(context.Background())
	}()

	logger.Info("configuration loaded",
		slog.String("service", "trackstream"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("musicDir", cfg.MusicDir),
		slog.String("cacheCapacity", humanize.IBytes(uint64(cfg.CacheCapacity))),
		slog.String("cacheMaxTrackSize", humanize.IBytes(uint64(cfg.CacheMaxTrackSize))),
		slog.Int("cacheShards", cfg.CacheShards),
		slog.Duration("cacheLoadTimeout", cfg.CacheLoadTimeout),
		slog.Int("prefetchWorkers", cfg.PrefetchWorkers),
		slog.Duration("prefetchTimeout", cfg.PrefetchTimeout),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Bool("tracing", cfg.OTELEndpoint != ""),
	)

	lib, err := library.New(cfg.MusicDir)
	if err != nil {
		logger.Error("music library unavailable", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if _, err := os.Stat(lib.Root()); err != nil {
		logger.Warn("music dir not readable yet; tracks will 404 until it appears",
			slog.String("musicDir", lib.Root()),
			slog.String("error", err.Error()),
		)
	}

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret)
	if err != nil {
		logger.Error("auth setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	trackCache := cache.New(buildLoader(cfg, lib, logger),
		cache.WithCapacity(cfg.CacheCapacity),
		cache.WithMaxEntrySize(cfg.CacheMaxTrackSize),
		cache.WithShards(cfg.CacheShards),
		cache.WithLoadTimeout(cfg.CacheLoadTimeout),
		cache.WithLogger(logger),
	)
	prefetcher := prefetch.NewService(trackCache,
		prefetch.WithWorkers(cfg.PrefetchWorkers),
		prefetch.WithItemTimeout(cfg.PrefetchTimeout),
		prefetch.WithLogger(logger),
	)

	handler := apihttp.NewServer(lib, trackCache, verifier,
		apihttp.WithLogger(logger),
		apihttp.WithPrefetcher(prefetcher),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Full-track responses to slow clients can run long.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("track service started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	if err := prefetcher.Close(shutdownCtx); err != nil {
		logger.Warn("prefetch shutdown incomplete", slog.String("error", err.Error()))
	}
	stats := trackCache.Stats()
	logger.Info("track service stopped",
		slog.Int("cachedTracks", stats.Entries),
		slog.Uint64("cacheHits", stats.Hits),
		slog.Uint64("cacheMisses", stats.Misses),
	)
}

// buildLoader puts Redis in front of the disk when REDIS_URL is set and
// reachable; otherwise tracks load straight from the library.
func buildLoader(cfg app.Config, lib *library.Library, logger *slog.Logger) cache.Loader {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return lib
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, loading tracks from disk only", slog.String("error", err.Error()))
		return lib
	}
	client := redis.NewClient(redisOpts)
	loader := cache.NewRedisLoader(client, lib, cfg.RedisTrackTTL, cfg.CacheMaxTrackSize, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := loader.Ping(ctx); err != nil {
		logger.Warn("redis not reachable, loading tracks from disk only", slog.String("error", err.Error()))
		_ = client.Close()
		return lib
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return loader
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
