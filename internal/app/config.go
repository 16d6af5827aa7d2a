package app

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr          string
	LogLevel          string
	LogFormat         string
	MusicDir          string
	JWTSecret         string
	CacheCapacity     int64
	CacheMaxTrackSize int64
	CacheShards       int
	CacheLoadTimeout  time.Duration
	PrefetchWorkers   int
	PrefetchTimeout   time.Duration
	RedisURL          string
	RedisTrackTTL     time.Duration
	RateLimitRPS      float64
	RateLimitBurst    int
	OTELEndpoint      string
	TraceSampleRatio  float64
}

// LoadConfig reads the environment, after merging a .env file from the
// working directory when one exists. Variables already set win over .env.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:          resolveHTTPAddr(),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "text")),
		MusicDir:          getEnv("MUSIC_DIR", "./music"),
		JWTSecret:         strings.TrimSpace(os.Getenv("SUPABASE_JWT_SECRET")),
		CacheCapacity:     getEnvBytes("CACHE_CAPACITY", 512<<20),
		CacheMaxTrackSize: getEnvBytes("CACHE_MAX_TRACK_SIZE", 64<<20),
		CacheShards:       getEnvInt("CACHE_SHARDS", 32),
		CacheLoadTimeout:  time.Duration(getEnvInt("CACHE_LOAD_TIMEOUT_SECONDS", 60)) * time.Second,
		PrefetchWorkers:   getEnvInt("PREFETCH_WORKERS", 4),
		PrefetchTimeout:   time.Duration(getEnvInt("PREFETCH_TIMEOUT_SECONDS", 60)) * time.Second,
		RedisURL:          getEnv("REDIS_URL", ""),
		RedisTrackTTL:     time.Duration(getEnvInt("REDIS_TRACK_TTL_MINUTES", 60)) * time.Minute,
		RateLimitRPS:      getEnvFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 100),
		OTELEndpoint:      getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TraceSampleRatio:  getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
	}
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("SUPABASE_JWT_SECRET is required")
	}
	if c.CacheMaxTrackSize > c.CacheCapacity {
		return errors.New("CACHE_MAX_TRACK_SIZE must not exceed CACHE_CAPACITY")
	}
	return nil
}

func resolveHTTPAddr() string {
	if addr := getEnv("HTTP_ADDR", ""); addr != "" {
		return addr
	}
	if port := getEnv("PORT", ""); port != "" {
		return ":" + strings.TrimPrefix(port, ":")
	}
	return ":3000"
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// getEnvBytes accepts plain byte counts or sizes like "512MiB" and "1.5GB".
func getEnvBytes(key string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil || parsed == 0 || parsed > 1<<62 {
		return fallback
	}
	return int64(parsed)
}
