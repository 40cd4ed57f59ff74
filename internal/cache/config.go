package cache

import (
	"log/slog"
	"os"
	"time"
)

// Config holds backend selection and TTLs
type Config struct {
	// RedisURL selects the Redis backend when set.
	RedisURL        string
	Prefix          string
	CheckpointTTL   time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults, with RedisURL taken from REDIS_URL
func DefaultConfig() Config {
	return Config{
		RedisURL:        os.Getenv("REDIS_URL"),
		Prefix:          "relaypool:",
		CheckpointTTL:   30 * 24 * time.Hour,
		MaxEntries:      10000,
		CleanupInterval: 5 * time.Minute,
	}
}

// Open returns a Redis backend if cfg.RedisURL is set and reachable,
// otherwise a memory backend. The returned name is "redis" or "memory".
func Open(cfg Config) (Backend, string) {
	if cfg.RedisURL != "" {
		slog.Info("initializing Redis cache")
		rc, err := NewRedisCache(cfg.RedisURL, cfg.Prefix)
		if err == nil {
			slog.Info("Redis cache initialized")
			return rc, "redis"
		}
		slog.Warn("Redis connection failed, using memory cache", "error", err)
	}
	return NewMemoryCache(cfg.MaxEntries, cfg.CleanupInterval), "memory"
}
