package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuard(t *testing.T, ttl time.Duration) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewGuard(client, "test", ttl), mr
}

func TestClaimCompleteReplay(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, time.Minute)

	prior, err := g.Claim(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, prior)

	_, err = g.Claim(ctx, "k1")
	assert.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, g.Complete(ctx, "k1", []byte(`{"lead_id":"x"}`)))

	prior, err = g.Claim(ctx, "k1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"lead_id":"x"}`, string(prior))
}

func TestReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, time.Minute)

	_, err := g.Claim(ctx, "k2")
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, "k2"))

	prior, err := g.Claim(ctx, "k2")
	require.NoError(t, err)
	assert.Nil(t, prior)
}

func TestClaimExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	g, mr := newGuard(t, 10*time.Minute)

	_, err := g.Claim(ctx, "k3")
	require.NoError(t, err)
	require.NoError(t, g.Complete(ctx, "k3", []byte("done")))
	assert.True(t, mr.Exists("test:k3"))

	mr.FastForward(11 * time.Minute)

	prior, err := g.Claim(ctx, "k3")
	require.NoError(t, err)
	assert.Nil(t, prior)
}
