package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const defaultLease = time.Minute

// Releases only when the stored token still matches ours.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker is a Locker backed by SET NX PX, so locks hold across API replicas.
// Held locks are refreshed until released; a crashed holder loses its lock after one lease.
type RedisLocker struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
	lease  time.Duration
}

// NewRedisLocker connects to the Redis instance at url (redis://...).
func NewRedisLocker(url string, logger *slog.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client: client,
		logger: logger.With("component", "redis_locker"),
		prefix: "keel:lock:",
		lease:  defaultLease,
	}, nil
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	redisKey := l.prefix + key

	ok, err := l.client.SetNX(ctx, redisKey, token, l.lease).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrBusy, key)
	}

	done := make(chan struct{})
	go l.refresh(redisKey, token, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Error("releasing lock", "key", key, "error", err)
			}
		})
	}, nil
}

func (l *RedisLocker) refresh(redisKey, token string, done <-chan struct{}) {
	ticker := time.NewTicker(l.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			n, err := extendScript.Run(ctx, l.client, []string{redisKey}, token, l.lease.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("extending lock", "key", redisKey, "error", err)
				continue
			}
			if n == 0 {
				l.logger.Warn("lock lost before release", "key", redisKey)
				return
			}
		}
	}
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// Ping checks the Redis connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
