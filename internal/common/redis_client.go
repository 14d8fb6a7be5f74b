package common

import (
	"context"
	"fmt"
	"time"

	"infinite-experiment/warden/internal/config"
	"infinite-experiment/warden/internal/logging"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to the Redis instance named by the configuration
func NewRedisClient(cfg config.Config) (*redis.Client, error) {
	addr := cfg.RedisAddr()
	logging.Info("Initializing Redis client", "addr", addr)

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.RedisPassword,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logging.Info("Connected to Redis", "addr", addr)
	return client, nil
}
