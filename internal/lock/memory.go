package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	now   func() time.Time
}

// NewMemoryLocker returns an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *MemoryLocker) WithClock(now func() time.Time) *MemoryLocker {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	return l
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	if err := ValidateTTL(ttl); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, held := l.locks[name]; held && now.Before(entry.expiresAt) {
		return "", ErrNotAcquired
	}

	token := NewToken()
	l.locks[name] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

// Release implements Locker.
func (l *MemoryLocker) Release(_ context.Context, name, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, held := l.locks[name]; held && entry.token == token {
		delete(l.locks, name)
	}
	return nil
}
