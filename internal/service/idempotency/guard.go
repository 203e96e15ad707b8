package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const pendingMarker = "__pending__"

// ErrInFlight is returned while the first submission for a key is still running.
var ErrInFlight = errors.New("idempotency: submission in flight")

var claimScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return existing
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
return false
`)

// Guard deduplicates submissions within a TTL using Redis.
type Guard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewGuard constructs a guard. Keys live for ttl after the last write.
func NewGuard(client *redis.Client, prefix string, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if prefix == "" {
		prefix = "leadrouting:intake"
	}
	return &Guard{client: client, prefix: prefix, ttl: ttl}
}

// Claim reserves key. It returns (nil, nil) when the caller owns the key and
// must Complete or Release it, or the stored result of an earlier submission.
func (g *Guard) Claim(ctx context.Context, key string) ([]byte, error) {
	res, err := claimScript.Run(ctx, g.client, []string{g.key(key)}, pendingMarker, g.ttl.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency claim: %w", err)
	}
	if res == pendingMarker {
		return nil, ErrInFlight
	}
	return []byte(res), nil
}

// Complete stores the result for replay by later submissions.
func (g *Guard) Complete(ctx context.Context, key string, result []byte) error {
	if err := g.client.Set(ctx, g.key(key), result, g.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}

// Release drops a claim so the submission can be retried.
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.key(key)).Err(); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

func (g *Guard) key(key string) string {
	return fmt.Sprintf("%s:%s", g.prefix, key)
}
