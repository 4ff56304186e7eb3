package domain

import (
	"context"
	"time"
)

// Cache is a tenant-scoped byte cache. The community build uses an in-process
// LRU; pro layers Redis behind it.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, key string) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase checks the local LRU before Redis.
	EnableTwoPhase bool

	// ReferenceTTL bounds how long reference lookups stay cached.
	ReferenceTTL time.Duration
}
