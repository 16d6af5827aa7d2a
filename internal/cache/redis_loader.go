package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"trackstream/internal/metrics"
)

const redisTrackPrefix = "trackstream:track:"

// RedisLoader serves track content from Redis and falls back to next on a
// miss, storing what next returned. It lets several replicas share warmed
// content; Redis errors never fail a load.
type RedisLoader struct {
	client   *redis.Client
	next     Loader
	ttl      time.Duration
	maxBytes int64
	logger   *slog.Logger
}

func NewRedisLoader(client *redis.Client, next Loader, ttl time.Duration, maxBytes int64, logger *slog.Logger) *RedisLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLoader{
		client:   client,
		next:     next,
		ttl:      ttl,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

func (r *RedisLoader) Load(ctx context.Context, id string) ([]byte, error) {
	started := time.Now()
	data, err := r.client.Get(ctx, redisTrackPrefix+id).Bytes()
	metrics.TrackLoadDuration.WithLabelValues("redis").Observe(time.Since(started).Seconds())
	switch {
	case err == nil:
		metrics.TrackLoadsTotal.WithLabelValues("redis", "ok").Inc()
		return data, nil
	case errors.Is(err, redis.Nil):
		metrics.TrackLoadsTotal.WithLabelValues("redis", "miss").Inc()
	default:
		metrics.TrackLoadsTotal.WithLabelValues("redis", "error").Inc()
		r.logger.Debug("redis track lookup failed", slog.String("trackId", id), slog.String("error", err.Error()))
	}

	data, err = r.next.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.maxBytes > 0 && int64(len(data)) > r.maxBytes {
		return data, nil
	}
	if err := r.client.Set(ctx, redisTrackPrefix+id, data, r.ttl).Err(); err != nil {
		r.logger.Debug("redis track store failed", slog.String("trackId", id), slog.String("error", err.Error()))
	}
	return data, nil
}

func (r *RedisLoader) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, redisTrackPrefix+id).Err()
}

func (r *RedisLoader) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
