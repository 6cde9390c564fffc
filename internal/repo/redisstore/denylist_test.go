package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geocoder89/schoolhub/internal/config"
)

func newTestDenylist(t *testing.T) (*Denylist, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c := New(config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Ping(context.Background()))
	return NewDenylist(c), mr
}

func TestDenylist_DenyAndExpire(t *testing.T) {
	ctx := context.Background()
	d, mr := newTestDenylist(t)

	require.NoError(t, d.Deny(ctx, "jti-1", time.Now().Add(time.Minute)))

	denied, err := d.IsDenied(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, denied)

	ttl := mr.TTL(denyPrefix + "jti-1")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	mr.FastForward(2 * time.Minute)

	denied, err = d.IsDenied(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, denied)
}

func TestDenylist_UnknownAndExpiredInput(t *testing.T) {
	ctx := context.Background()
	d, mr := newTestDenylist(t)

	denied, err := d.IsDenied(ctx, "never")
	require.NoError(t, err)
	assert.False(t, denied)

	require.NoError(t, d.Deny(ctx, "stale", time.Now().Add(-time.Second)))
	assert.False(t, mr.Exists(denyPrefix+"stale"))
}

func TestDenylist_RedisDown(t *testing.T) {
	d, mr := newTestDenylist(t)
	mr.Close()

	_, err := d.IsDenied(context.Background(), "jti")
	assert.Error(t, err)
}
