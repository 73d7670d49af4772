package redis

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/fjogeleit/event-store/core/es"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// WriteLock is an es.WriteLockStrategy on SET NX. Every lock carries a
// random token so only its holder can release it, and a TTL so a crashed
// holder does not block the stream forever.
type WriteLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

func NewWriteLock(client *redis.Client, prefix string, ttl time.Duration) *WriteLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &WriteLock{client: client, prefix: prefix, ttl: ttl, tokens: map[string]string{}}
}

func (l *WriteLock) CreateLock(ctx context.Context, name string) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+name, token, l.ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	l.mu.Lock()
	l.tokens[name] = token
	l.mu.Unlock()
	return true, nil
}

func (l *WriteLock) ReleaseLock(ctx context.Context, name string) error {
	l.mu.Lock()
	token, ok := l.tokens[name]
	delete(l.tokens, name)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.prefix + name}, token).Err()
}

var _ es.WriteLockStrategy = (*WriteLock)(nil)
