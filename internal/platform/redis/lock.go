package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/taskcore/internal/lock"
)

var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker implements lock.Locker with SET NX PX. The TTL bounds how long a
// crashed holder can block others.
type Locker struct {
	client goredis.UniversalClient
	prefix string
}

var _ lock.Locker = (*Locker)(nil)

// NewLocker creates a Locker whose keys are namespaced by prefix.
func NewLocker(client goredis.UniversalClient, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

// Acquire implements lock.Locker.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	if err := lock.ValidateTTL(ttl); err != nil {
		return "", err
	}
	token := lock.NewToken()
	ok, err := l.client.SetNX(ctx, key(l.prefix, "lock:"+name), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}
	if !ok {
		return "", lock.ErrNotAcquired
	}
	return token, nil
}

// Release implements lock.Locker. Only the holder's token deletes the key.
func (l *Locker) Release(ctx context.Context, name, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{key(l.prefix, "lock:"+name)}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %q: %w", name, err)
	}
	return nil
}
