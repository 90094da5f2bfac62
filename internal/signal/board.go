// Package signal records when each tenant's task board last changed.
package signal

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL keeps a quiet board's marker long enough for the stale rule to see it.
const DefaultTTL = 30 * 24 * time.Hour

// Board stores one millisecond timestamp per tenant.
type Board struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewBoard(client *redis.Client, ttl time.Duration) *Board {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Board{client: client, prefix: "ops:board-changed:", ttl: ttl}
}

func (b *Board) key(tenantID string) string {
	return b.prefix + tenantID
}

// Touch marks the board changed at the given time. Older timestamps never overwrite newer ones.
func (b *Board) Touch(ctx context.Context, tenantID string, at time.Time) error {
	_, err := touchScript.Run(ctx, b.client, []string{b.key(tenantID)}, at.UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrapf(err, "touch board signal for %s", tenantID)
	}
	return nil
}

// LastChanged returns nil when the tenant has no marker.
func (b *Board) LastChanged(ctx context.Context, tenantID string) (*time.Time, error) {
	raw, err := b.client.Get(ctx, b.key(tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read board signal for %s", tenantID)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parse board signal %q", raw)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

var touchScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]))
local at = tonumber(ARGV[1])
if current == nil or at > current then
  redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)
