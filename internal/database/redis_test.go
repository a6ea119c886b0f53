package database

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/radiusdt/vector-roas/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLockOptions(t *testing.T) {
	opts, err := lockOptions(config.RedisConfig{Addr: "redis:6379", LockTTL: time.Minute, CommandTimeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, opts.ReadTimeout)
	assert.Equal(t, 2*time.Second, opts.WriteTimeout)
	assert.Equal(t, 2*time.Second, opts.DialTimeout)
	assert.Equal(t, 2, opts.PoolSize)

	_, err = lockOptions(config.RedisConfig{LockTTL: time.Minute, CommandTimeout: 20 * time.Second})
	assert.ErrorContains(t, err, "renewal interval")

	_, err = lockOptions(config.RedisConfig{LockTTL: time.Minute})
	assert.ErrorContains(t, err, "must be positive")
}

func TestNewRedisDB(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := NewRedisDB(context.Background(), config.RedisConfig{
		Addr:           mr.Addr(),
		LockTTL:        time.Minute,
		CommandTimeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, rdb.Client.Ping(context.Background()).Err())
	require.NoError(t, rdb.Close())

	mr.Close()
	_, err = NewRedisDB(context.Background(), config.RedisConfig{
		Addr:           mr.Addr(),
		LockTTL:        time.Minute,
		CommandTimeout: 100 * time.Millisecond,
	}, zap.NewNop())
	assert.ErrorContains(t, err, "failed to connect to redis")
}
