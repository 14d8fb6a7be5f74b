package common

import (
	"fmt"
	"time"

	"infinite-experiment/warden/internal/config"
)

// CacheInterface defines the contract for cache implementations
type CacheInterface interface {
	// Set stores a value in cache with the given key and duration
	Set(key string, value interface{}, duration time.Duration)

	// Get retrieves a value from cache by key
	// Returns the value and true if found, nil and false otherwise
	Get(key string) (interface{}, bool)

	// Delete removes a value from cache by key
	Delete(key string)

	// Close closes any underlying connections (for Redis, etc.)
	Close() error
}

// NewCache builds the backend selected by CACHE_BACKEND
func NewCache(cfg config.Config) (CacheInterface, error) {
	switch cfg.CacheBackend {
	case config.CacheMemory:
		return NewCacheService(cfg.CacheTTL, 2*cfg.CacheTTL), nil
	case config.CacheRedis:
		client, err := NewRedisClient(cfg)
		if err != nil {
			return nil, err
		}
		return NewRedisCacheService(client), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.CacheBackend)
	}
}
