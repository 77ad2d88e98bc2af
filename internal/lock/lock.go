package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/taskcore/internal/platform/logger"
)

var (
	// ErrNotAcquired is returned by Acquire when another holder owns the lock.
	// Callers treat it as "skip this cycle", never as a failure.
	ErrNotAcquired = errors.New("lock not acquired")

	// ErrInvalidTTL is returned for non-positive TTLs.
	ErrInvalidTTL = errors.New("lock ttl must be positive")
)

// Locker acquires and releases named locks.
type Locker interface {
	// Acquire takes the named lock for ttl and returns the owner token.
	// It fails fast with ErrNotAcquired when the lock is held.
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, error)

	// Release frees the lock if token still owns it. Releasing an expired or
	// foreign lock is a no-op.
	Release(ctx context.Context, name, token string) error
}

// NewToken returns a fresh owner token.
func NewToken() string {
	return uuid.NewString()
}

// ValidateTTL rejects non-positive TTLs.
func ValidateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	return nil
}

// WithLock runs fn while holding the named lock. The lock is released on
// every exit path, including a panic in fn. ErrNotAcquired is returned
// unwrapped when the lock is held elsewhere.
func WithLock(
	ctx context.Context,
	locker Locker,
	name string,
	ttl time.Duration,
	fn func(ctx context.Context) error,
) error {
	token, err := locker.Acquire(ctx, name, ttl)
	if err != nil {
		if errors.Is(err, ErrNotAcquired) {
			return ErrNotAcquired
		}
		return fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}

	defer func() {
		// release even when ctx was cancelled while fn ran
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := locker.Release(releaseCtx, name, token); relErr != nil {
			logger.FromContext(ctx).Warn("failed to release lock",
				slog.String("lock", name),
				slog.String("error", relErr.Error()))
		}
	}()

	return fn(ctx)
}
