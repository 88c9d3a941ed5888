package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", parseErr)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// releaseScript deletes the lock only while it still carries our token, so an
// expired holder can never release a lock taken over by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker holds a lease of ttl per key and renews it every ttl/3 until
// released, so a saga that outlives ttl keeps its bounty locked.
type RedisLocker struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client:       client,
		prefix:       "escrow:lock:",
		pollInterval: 50 * time.Millisecond,
		logger:       slog.Default().With("module", "cache.locker", "layer", "adapter"),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	redisKey := l.prefix + key
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: acquire lock %s: %w", domain.ErrStoreUnavailable, key, err)
		}
		if ok {
			return l.hold(redisKey, token, ttl), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: lock %s held elsewhere: %w", domain.ErrConflict, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// hold starts the renewal loop and returns the release func. Release stops
// renewing before deleting the key and is safe to call more than once.
func (l *RedisLocker) hold(redisKey, token string, ttl time.Duration) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(redisKey, token, ttl, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
		})
	}
}

func (l *RedisLocker) renew(redisKey, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := ttl / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		renewCtx, cancel := context.WithTimeout(context.Background(), interval)
		kept, err := renewScript.Run(renewCtx, l.client, []string{redisKey}, token, ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			l.logger.Warn("lock renewal failed",
				"operation", "renew_lock",
				"outcome", "retry",
				"lock_key", redisKey,
				"error", err,
			)
			continue
		}
		if kept == 0 {
			l.logger.Error("lock lease lost before release",
				"operation", "renew_lock",
				"outcome", "lost",
				"lock_key", redisKey,
			)
			return
		}
	}
}

var _ ports.Locker = (*RedisLocker)(nil)
