package database

import (
	"context"
	"fmt"

	"github.com/radiusdt/vector-roas/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisDB holds the client used for the pipeline run lock.
type RedisDB struct {
	Client *redis.Client
	logger *zap.Logger
}

// lockOptions sizes the client for lock traffic: one acquire, a renewal
// every LockTTL/3 and one release per run.
func lockOptions(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.CommandTimeout <= 0 {
		return nil, fmt.Errorf("redis command timeout must be positive, got %s", cfg.CommandTimeout)
	}
	// A renewal that may block longer than its interval cannot keep the key alive.
	if renew := cfg.LockTTL / 3; cfg.CommandTimeout >= renew {
		return nil, fmt.Errorf("redis command timeout %s must be shorter than the lock renewal interval %s",
			cfg.CommandTimeout, renew)
	}
	return &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     2,
		MinIdleConns: 1,
		DialTimeout:  cfg.CommandTimeout,
		ReadTimeout:  cfg.CommandTimeout,
		WriteTimeout: cfg.CommandTimeout,
		MaxRetries:   1,
	}, nil
}

// NewRedisDB connects to Redis with per-command timeouts bounded by the lock TTL.
func NewRedisDB(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisDB, error) {
	opts, err := lockOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("connected to redis",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Duration("command_timeout", cfg.CommandTimeout),
		zap.Duration("lock_ttl", cfg.LockTTL),
	)

	return &RedisDB{
		Client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection.
func (r *RedisDB) Close() error {
	if r.Client != nil {
		r.logger.Info("redis connection closed")
		return r.Client.Close()
	}
	return nil
}
