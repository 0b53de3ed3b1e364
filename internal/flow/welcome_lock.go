package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultWelcomeCooldown is the welcome lock TTL when FLOW_MENU_COOLDOWN_SEC is unset.
const DefaultWelcomeCooldown = 8 * time.Second

const welcomeLockPrefix = "flow:lock:welcome:"

// WelcomeLock keeps two near-simultaneous first messages from starting the welcome flow twice.
type WelcomeLock interface {
	// TryLock reports whether the caller won the lock for key.
	TryLock(ctx context.Context, key string) bool
}

// RedisWelcomeLock shares the lock across instances through Redis SETNX.
type RedisWelcomeLock struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisWelcomeLock creates a lock whose keys expire after ttl.
func NewRedisWelcomeLock(client redis.Cmdable, ttl time.Duration) *RedisWelcomeLock {
	if ttl <= 0 {
		ttl = DefaultWelcomeCooldown
	}
	return &RedisWelcomeLock{client: client, ttl: ttl}
}

// TryLock fails open: when Redis is unreachable the welcome flow still runs.
func (l *RedisWelcomeLock) TryLock(ctx context.Context, key string) bool {
	ok, err := l.client.SetNX(ctx, welcomeLockPrefix+key, "1", l.ttl).Result()
	if err != nil {
		slog.Warn("RedisWelcomeLock.TryLock: redis unavailable, proceeding without lock", "key", key, "error", err)
		return true
	}
	return ok
}

// MemoryWelcomeLock is the single-process lock used when Redis is not configured.
type MemoryWelcomeLock struct {
	mu    sync.Mutex
	ttl   time.Duration
	until map[string]time.Time
	now   func() time.Time
}

// NewMemoryWelcomeLock creates an in-process lock.
func NewMemoryWelcomeLock(ttl time.Duration) *MemoryWelcomeLock {
	if ttl <= 0 {
		ttl = DefaultWelcomeCooldown
	}
	return &MemoryWelcomeLock{ttl: ttl, until: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryWelcomeLock) TryLock(ctx context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, exp := range l.until {
		if !now.Before(exp) {
			delete(l.until, k)
		}
	}
	if _, held := l.until[key]; held {
		return false
	}
	l.until[key] = now.Add(l.ttl)
	return true
}

var (
	_ WelcomeLock = (*RedisWelcomeLock)(nil)
	_ WelcomeLock = (*MemoryWelcomeLock)(nil)
)
