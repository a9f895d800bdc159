package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// SetNX stores the key only if it does not exist yet and reports
	// whether this call was the first writer. Used as the fast-path
	// guard for apply idempotency keys; the database constraint remains
	// the source of truth.
	SetNX(ctx context.Context, tenantID string, key string, ttl time.Duration) (bool, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `env:"KESTREL_CACHE_TYPE" env-default:"memory"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `env:"KESTREL_CACHE_LOCAL_MAX" env-default:"10000"`
	LocalTTL     time.Duration `env:"KESTREL_CACHE_LOCAL_TTL" env-default:"5m"`

	// Redis settings (Pro tier)
	RedisAddr     string `env:"KESTREL_REDIS_ADDR"`
	RedisPassword string `env:"KESTREL_REDIS_PASSWORD"`
	RedisDB       int    `env:"KESTREL_REDIS_DB"`

	// Two-phase settings
	EnableTwoPhase bool `env:"KESTREL_CACHE_TWO_PHASE"` // If true, check local first, then Redis
}
