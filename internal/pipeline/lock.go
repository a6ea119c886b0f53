package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/vector-roas/internal/apperrors"
	"github.com/redis/go-redis/v9"
)

// RunLock guarantees at most one pipeline run at a time.
type RunLock interface {
	// Acquire takes the lock or returns apperrors.ErrRunInProgress.
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	// Lost is closed once the lease can no longer be kept alive.
	// A nil channel means the lease cannot be lost.
	Lost() <-chan struct{}
	Release(ctx context.Context) error
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript resets the TTL only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisRunLock is a single-key token lock shared by all engine instances.
// The TTL bounds how long a crashed holder blocks later runs; a live
// holder renews it every ttl/3 until Release.
type RedisRunLock struct {
	client     *redis.Client
	key        string
	ttl        time.Duration
	renewEvery time.Duration
}

// NewRedisRunLock creates a Redis-backed run lock.
func NewRedisRunLock(client *redis.Client, key string, ttl time.Duration) *RedisRunLock {
	return &RedisRunLock{client: client, key: key, ttl: ttl, renewEvery: ttl / 3}
}

func (l *RedisRunLock) Acquire(ctx context.Context) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return nil, apperrors.ErrRunInProgress
	}

	hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	lease := &redisLease{
		lock:    l,
		token:   token,
		lost:    make(chan struct{}),
		stop:    stop,
		stopped: make(chan struct{}),
	}
	go lease.heartbeat(hbCtx)
	return lease, nil
}

type redisLease struct {
	lock    *RedisRunLock
	token   string
	lost    chan struct{}
	stop    context.CancelFunc
	stopped chan struct{}
}

func (r *redisLease) Lost() <-chan struct{} {
	return r.lost
}

// heartbeat renews the key until stopped. Transient errors are retried on
// the next tick until a full TTL passes without a successful renewal.
func (r *redisLease) heartbeat(ctx context.Context) {
	defer close(r.stopped)

	ticker := time.NewTicker(r.lock.renewEvery)
	defer ticker.Stop()

	renewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		held, err := r.renew(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil && held:
			renewed = time.Now()
			continue
		case err != nil && time.Since(renewed) < r.lock.ttl:
			continue
		}
		close(r.lost)
		return
	}
}

func (r *redisLease) renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, r.lock.client, []string{r.lock.key}, r.token, r.lock.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew run lock: %w", err)
	}
	return n == 1, nil
}

func (r *redisLease) Release(ctx context.Context) error {
	r.stop()
	<-r.stopped

	n, err := releaseScript.Run(ctx, r.lock.client, []string{r.lock.key}, r.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	if n == 0 {
		return apperrors.ErrLockNotHeld
	}
	return nil
}

// LocalRunLock is an in-process lock for single-instance deployments.
type LocalRunLock struct {
	mu   sync.Mutex
	held bool
}

// NewLocalRunLock creates an in-process run lock.
func NewLocalRunLock() *LocalRunLock {
	return &LocalRunLock{}
}

func (l *LocalRunLock) Acquire(_ context.Context) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, apperrors.ErrRunInProgress
	}
	l.held = true
	return &localLease{lock: l}, nil
}

type localLease struct {
	lock     *LocalRunLock
	released bool
}

func (r *localLease) Lost() <-chan struct{} {
	return nil
}

func (r *localLease) Release(_ context.Context) error {
	r.lock.mu.Lock()
	defer r.lock.mu.Unlock()
	if r.released {
		return apperrors.ErrLockNotHeld
	}
	r.released = true
	r.lock.held = false
	return nil
}
