package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCounter(t *testing.T) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	counter, err := NewRedisCounter(RedisConfig{Addr: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { counter.Close() })
	return counter, server
}

func TestRedisCounterIncrements(t *testing.T) {
	counter, _ := newTestCounter(t)

	for want := int64(1); want <= 3; want++ {
		count, err := counter.Incr(context.Background(), "rl:k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}
}

func TestRedisCounterSetsWindowTTL(t *testing.T) {
	counter, server := newTestCounter(t)

	_, err := counter.Incr(context.Background(), "rl:k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute+time.Second, server.TTL("rl:k"))
}

func TestRedisCounterKeepsExistingTTL(t *testing.T) {
	counter, server := newTestCounter(t)

	_, err := counter.Incr(context.Background(), "rl:k", time.Minute)
	require.NoError(t, err)
	server.FastForward(30 * time.Second)

	_, err = counter.Incr(context.Background(), "rl:k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 31*time.Second, server.TTL("rl:k"), "later hits must not extend the window")
}

func TestRedisCounterRepairsMissingTTL(t *testing.T) {
	counter, server := newTestCounter(t)

	_, err := counter.Incr(context.Background(), "rl:k", time.Minute)
	require.NoError(t, err)

	// a counter orphaned by a lost EXPIRE must regain its TTL on the next hit;
	// strip it with PERSIST — miniredis's SetTTL(k, 0) records a zero-valued
	// expiry that EXPIRE NX then treats as already present
	require.NoError(t, counter.client.Persist(context.Background(), "rl:k").Err())
	require.Zero(t, server.TTL("rl:k"))

	count, err := counter.Incr(context.Background(), "rl:k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, time.Minute+time.Second, server.TTL("rl:k"))
}
