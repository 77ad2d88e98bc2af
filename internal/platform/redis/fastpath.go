package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/taskcore/internal/task"
)

// Hints are stored as "<created_at micros, 20 digits>:<id>:<priority>".
// Ready hints are scored by -priority, so ZRANGE returns highest priority
// first and equal priorities fall back to member order: oldest, then id.
// Delayed hints are scored by their not-before time in milliseconds until a
// pop promotes them.

var pushScript = goredis.NewScript(`
local old = redis.call('HGET', KEYS[3], ARGV[1])
if old then
  redis.call('ZREM', KEYS[1], old)
  redis.call('ZREM', KEYS[2], old)
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
if ARGV[4] == '1' then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
else
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
end
return 1
`)

var popScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, m in ipairs(due) do
  local prio = tonumber(string.match(m, ':(%-?%d+)$'))
  redis.call('ZREM', KEYS[2], m)
  redis.call('ZADD', KEYS[1], -prio, m)
end
local popped = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[2]) - 1)
for _, m in ipairs(popped) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('HDEL', KEYS[3], string.match(m, '^%d+:([^:]+):'))
end
return popped
`)

var removeScript = goredis.NewScript(`
local old = redis.call('HGET', KEYS[3], ARGV[1])
if old then
  redis.call('ZREM', KEYS[1], old)
  redis.call('ZREM', KEYS[2], old)
  redis.call('HDEL', KEYS[3], ARGV[1])
  return 1
end
return 0
`)

// FastPath implements task.FastPath on Redis sorted sets.
type FastPath struct {
	client goredis.UniversalClient
	keys   []string
}

var _ task.FastPath = (*FastPath)(nil)

// NewFastPath creates a FastPath whose keys are namespaced by prefix.
func NewFastPath(client goredis.UniversalClient, prefix string) *FastPath {
	return &FastPath{
		client: client,
		keys: []string{
			key(prefix, "fastpath:ready"),
			key(prefix, "fastpath:delayed"),
			key(prefix, "fastpath:index"),
		},
	}
}

// Push implements task.FastPath.
func (f *FastPath) Push(ctx context.Context, h task.Hint) error {
	member := encodeMember(h)
	score := strconv.Itoa(-h.Priority)
	delayed := "0"
	if h.NotBefore != nil {
		score = strconv.FormatInt(h.NotBefore.UnixMilli(), 10)
		delayed = "1"
	}
	if err := pushScript.Run(ctx, f.client, f.keys, h.ID.String(), member, score, delayed).Err(); err != nil {
		return fmt.Errorf("failed to push hint %s: %w", h.ID, err)
	}
	return nil
}

// PopCandidates implements task.FastPath.
func (f *FastPath) PopCandidates(ctx context.Context, n int, now time.Time) ([]task.Hint, error) {
	if n <= 0 {
		return nil, nil
	}
	members, err := popScript.Run(ctx, f.client, f.keys, now.UnixMilli(), n).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to pop hints: %w", err)
	}

	hints := make([]task.Hint, 0, len(members))
	for _, m := range members {
		h, err := decodeMember(m)
		if err != nil {
			// a corrupt member is dropped; polling still finds its task
			continue
		}
		hints = append(hints, h)
	}
	return hints, nil
}

// Remove implements task.FastPath.
func (f *FastPath) Remove(ctx context.Context, id uuid.UUID) error {
	if err := removeScript.Run(ctx, f.client, f.keys, id.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove hint %s: %w", id, err)
	}
	return nil
}

// Len implements task.FastPath.
func (f *FastPath) Len(ctx context.Context) (int64, error) {
	var ready, delayed *goredis.IntCmd
	_, err := f.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		ready = p.ZCard(ctx, f.keys[0])
		delayed = p.ZCard(ctx, f.keys[1])
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count hints: %w", err)
	}
	return ready.Val() + delayed.Val(), nil
}

func encodeMember(h task.Hint) string {
	micros := h.CreatedAt.UnixMicro()
	if micros < 0 {
		micros = 0
	}
	return fmt.Sprintf("%020d:%s:%d", micros, h.ID, h.Priority)
}

func decodeMember(m string) (task.Hint, error) {
	parts := strings.Split(m, ":")
	if len(parts) != 3 {
		return task.Hint{}, fmt.Errorf("malformed hint %q", m)
	}
	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return task.Hint{}, fmt.Errorf("malformed hint time %q: %w", m, err)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return task.Hint{}, fmt.Errorf("malformed hint id %q: %w", m, err)
	}
	priority, err := strconv.Atoi(parts[2])
	if err != nil {
		return task.Hint{}, fmt.Errorf("malformed hint priority %q: %w", m, err)
	}
	return task.Hint{
		ID:        id,
		Priority:  priority,
		CreatedAt: time.UnixMicro(micros).UTC(),
	}, nil
}
