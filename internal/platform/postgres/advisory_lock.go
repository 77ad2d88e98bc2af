package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/taskcore/internal/lock"
)

const advisoryReleaseTimeout = 5 * time.Second

// AdvisoryLocker implements lock.Locker with session-level PostgreSQL
// advisory locks. Each held lock pins one pooled connection; the lock is
// dropped when Release unlocks it or when its TTL elapses.
type AdvisoryLocker struct {
	db     *sql.DB
	prefix string
	logger *slog.Logger

	mu   sync.Mutex
	held map[string]*advisoryHold
}

type advisoryHold struct {
	token string
	key   int64
	conn  *sql.Conn
	timer *time.Timer
}

var _ lock.Locker = (*AdvisoryLocker)(nil)

// NewAdvisoryLocker creates an AdvisoryLocker. prefix namespaces the lock
// keys so several deployments can share a database.
func NewAdvisoryLocker(db *sql.DB, prefix string, log *slog.Logger) *AdvisoryLocker {
	if log == nil {
		log = slog.Default()
	}
	return &AdvisoryLocker{
		db:     db,
		prefix: prefix,
		logger: log.With(slog.String("component", "advisory_lock")),
		held:   make(map[string]*advisoryHold),
	}
}

// AdvisoryKey maps a lock name to the 64-bit advisory lock key.
func AdvisoryKey(prefix, name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prefix + ":" + name))
	return int64(h.Sum64())
}

// Acquire implements lock.Locker.
func (l *AdvisoryLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	if err := lock.ValidateTTL(ttl); err != nil {
		return "", err
	}

	l.mu.Lock()
	_, busy := l.held[name]
	l.mu.Unlock()
	if busy {
		return "", lock.ErrNotAcquired
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get connection: %w", err)
	}

	key := AdvisoryKey(l.prefix, name)
	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("failed to acquire advisory lock %q: %w", name, MapError(err))
	}
	if !ok {
		_ = conn.Close()
		return "", lock.ErrNotAcquired
	}

	hold := &advisoryHold{token: lock.NewToken(), key: key, conn: conn}

	l.mu.Lock()
	if _, raced := l.held[name]; raced {
		l.mu.Unlock()
		l.unlock(name, hold)
		return "", lock.ErrNotAcquired
	}
	l.held[name] = hold
	hold.timer = time.AfterFunc(ttl, func() { l.expire(name, hold.token) })
	l.mu.Unlock()

	return hold.token, nil
}

// Release implements lock.Locker.
func (l *AdvisoryLocker) Release(_ context.Context, name, token string) error {
	hold := l.take(name, token)
	if hold == nil {
		return nil
	}
	hold.timer.Stop()
	return l.unlock(name, hold)
}

func (l *AdvisoryLocker) expire(name, token string) {
	hold := l.take(name, token)
	if hold == nil {
		return
	}
	l.logger.Warn("advisory lock ttl elapsed before release", slog.String("lock", name))
	_ = l.unlock(name, hold)
}

// take removes and returns the hold for name if token still owns it.
func (l *AdvisoryLocker) take(name, token string) *advisoryHold {
	l.mu.Lock()
	defer l.mu.Unlock()

	hold, ok := l.held[name]
	if !ok || hold.token != token {
		return nil
	}
	delete(l.held, name)
	return hold
}

// unlock drops the advisory lock and returns the session to the pool. If the
// unlock statement fails the session is discarded, which also frees the lock.
func (l *AdvisoryLocker) unlock(name string, hold *advisoryHold) error {
	ctx, cancel := context.WithTimeout(context.Background(), advisoryReleaseTimeout)
	defer cancel()

	_, err := hold.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", hold.key)
	if err != nil {
		l.logger.Warn("advisory unlock failed, discarding session",
			slog.String("lock", name),
			slog.String("error", err.Error()))
		_ = hold.conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	if cerr := hold.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to release advisory lock %q: %w", name, err)
	}
	return nil
}
