package rediscache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_GetSet(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "invite:F7K2", []byte("fleet-7"), time.Minute))

	b, ok, err := c.Get(ctx, "invite:F7K2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("fleet-7"), b)

	_, ok, err = c.Get(ctx, "invite:missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInviteKey(t *testing.T) {
	require.Equal(t, "invite:F7K2", InviteKey("F7K2"))
}

func TestRateLimiter_AllowCheckIn(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())

	ctx := context.Background()
	ok, _, err := rl.AllowCheckIn(ctx, "DEV23456", 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, n, err := rl.AllowCheckIn(ctx, "DEV23456", 1)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(2), n)

	// окно живёт под устройство-специфичным ключом
	require.True(t, mr.Exists(CheckInKey("DEV23456")))
}

func TestRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())

	ctx := context.Background()
	ok, n, err := rl.Allow(ctx, "rl:checkin:DEV", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	ok, n, _ = rl.Allow(ctx, "rl:checkin:DEV", 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	ok, n, _ = rl.Allow(ctx, "rl:checkin:DEV", 2, time.Minute)
	require.False(t, ok)
	require.Equal(t, int64(3), n)
}
