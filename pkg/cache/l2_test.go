package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelmint/gatekeeper/pkg/access"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCacheFromClient(client), mr
}

func TestL2DecisionRoundTrip(t *testing.T) {
	l2, _ := newTestRedis(t)
	ctx := context.Background()
	d := grantedDecision(time.Minute)

	require.NoError(t, l2.SetDecision(ctx, "k1", d, time.Minute))

	got, ok, err := l2.GetDecision(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, d.Granted, got.Granted)
	assert.Equal(t, d.Method, got.Method)
	assert.Equal(t, d.EffectiveRole, got.EffectiveRole)

	_, ok, err = l2.GetDecision(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestL2DropsExpiredAndCorruptEntries(t *testing.T) {
	l2, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, l2.SetDecision(ctx, "stale", grantedDecision(-time.Second), time.Minute))
	_, ok, err := l2.GetDecision(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.Set("garbled", "not-json")
	_, ok, err = l2.GetDecision(ctx, "garbled")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("garbled"))
}

func TestL2DeletePattern(t *testing.T) {
	l2, _ := newTestRedis(t)
	ctx := context.Background()
	d := grantedDecision(time.Minute)

	require.NoError(t, l2.SetDecision(ctx, "authz:u:a:proj:p1:res:project:p1:perm:read", d, time.Minute))
	require.NoError(t, l2.SetDecision(ctx, "authz:u:a:proj:p1:res:project:p1:perm:write", d, time.Minute))
	require.NoError(t, l2.SetDecision(ctx, "authz:u:b:proj:p2:res:project:p2:perm:read", d, time.Minute))

	deleted, err := l2.DeletePattern(ctx, "authz:u:a:*")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, ok, err := l2.GetDecision(ctx, "authz:u:b:proj:p2:res:project:p2:perm:read")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestL2BypassMarkers(t *testing.T) {
	l2, _ := newTestRedis(t)
	ctx := context.Background()

	bypassed, err := l2.HasBypassMarker(ctx, "user:a", "project:p")
	require.NoError(t, err)
	assert.False(t, bypassed)

	require.NoError(t, l2.SetBypassMarker(ctx, "project:p", time.Minute))

	bypassed, err = l2.HasBypassMarker(ctx, "user:a", "project:p")
	require.NoError(t, err)
	assert.True(t, bypassed)

	cleared, err := l2.ClearBypassMarkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	bypassed, err = l2.HasBypassMarker(ctx, "project:p")
	require.NoError(t, err)
	assert.False(t, bypassed)
}

func TestL2UnavailableSurfacesTierError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l2 := NewRedisCacheFromClient(client)
	mr.Close()

	_, _, err := l2.GetDecision(context.Background(), "k1")
	assert.ErrorIs(t, err, access.ErrCacheTierUnavailable)
}
