package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations. Backed by a local LRU
// for single-node deployments or Redis (optionally two-phase) for
// distributed ones.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetHistory retrieves cached entity history aggregates.
	GetHistory(ctx context.Context, key string) (*EntityHistory, error)

	// SetHistory caches entity history aggregates for the feature builder.
	SetHistory(ctx context.Context, key string, hist *EntityHistory, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for sliding-window aggregates (e.g. transaction count per user).
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// EntityHistory holds the side-lookup aggregates the feature builder reads
// per transaction. It may be stale; staleness is bounded by the cache TTL.
type EntityHistory struct {
	UserTxCount1h  int64     `json:"userTxCount1h"`
	UserTxCount24h int64     `json:"userTxCount24h"`
	UserAvgAmount  float64   `json:"userAvgAmount"`
	DeviceTxCount  int64     `json:"deviceTxCount"`
	KnownDevice    bool      `json:"knownDevice"`
	DeviceFirstSeen time.Time `json:"deviceFirstSeen,omitempty"`
	ComputedAt     time.Time `json:"computedAt"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
