package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/greenfinity-ledger/internal/model"
)

func newTestCache(t *testing.T, ttl time.Duration) (*LeaderboardCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewLeaderboardCache(client, ttl, zap.NewNop()), mr
}

var samplePage = []model.LeaderboardEntry{
	{UserID: "a", UserName: "Alice", TotalPoints: 80, Streak: 3},
	{UserID: "b", UserName: "Bob", TotalPoints: 50, Streak: 2},
}

func TestLeaderboardKey(t *testing.T) {
	assert.Equal(t, "leaderboard:top:3:10", leaderboardKey(3, 10))
}

func TestLeaderboardCache_DisabledWithoutClient(t *testing.T) {
	ctx := context.Background()

	for name, c := range map[string]*LeaderboardCache{
		"nil cache": nil,
		"no client": NewLeaderboardCache(nil, 0, zap.NewNop()),
	} {
		t.Run(name, func(t *testing.T) {
			c.Set(ctx, 10, 0, []model.LeaderboardEntry{{UserID: "u1"}})
			c.Invalidate(ctx)

			entries, version, ok := c.Get(ctx, 10)
			assert.False(t, ok)
			assert.Nil(t, entries)
			assert.Equal(t, int64(-1), version)
		})
	}
}

func TestLeaderboardCache_RoundTrip(t *testing.T) {
	c, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	entries, version, ok := c.Get(ctx, 10)
	require.False(t, ok)
	assert.Nil(t, entries)
	assert.Zero(t, version)

	c.Set(ctx, 10, version, samplePage)

	entries, version, ok = c.Get(ctx, 10)
	require.True(t, ok)
	assert.Equal(t, samplePage, entries)
	assert.Zero(t, version)

	_, _, ok = c.Get(ctx, 5)
	assert.False(t, ok, "pages are cached per limit")

	assert.Equal(t, time.Minute, mr.TTL(leaderboardKey(0, 10)))

	mr.FastForward(time.Minute + time.Second)
	_, _, ok = c.Get(ctx, 10)
	assert.False(t, ok)
}

func TestLeaderboardCache_DefaultTTL(t *testing.T) {
	c, mr := newTestCache(t, 0)

	c.Set(context.Background(), 10, 0, samplePage)
	assert.Equal(t, defaultLeaderboardTTL, mr.TTL(leaderboardKey(0, 10)))
}

func TestLeaderboardCache_Invalidate(t *testing.T) {
	c, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, mr.Set("user_notifications:u1", "keep"))

	c.Set(ctx, 5, 0, samplePage[:1])
	c.Set(ctx, 10, 0, samplePage)

	c.Invalidate(ctx)

	for _, limit := range []int{5, 10} {
		entries, version, ok := c.Get(ctx, limit)
		assert.False(t, ok)
		assert.Nil(t, entries)
		assert.Equal(t, int64(1), version)
	}

	v, err := mr.Get("user_notifications:u1")
	require.NoError(t, err)
	assert.Equal(t, "keep", v, "keys outside the leaderboard are untouched")

	c.Set(ctx, 10, 1, samplePage)
	entries, _, ok := c.Get(ctx, 10)
	require.True(t, ok)
	assert.Equal(t, samplePage, entries)
}

func TestLeaderboardCache_PageFromBeforeInvalidateIsNotServed(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	_, version, ok := c.Get(ctx, 10)
	require.False(t, ok)

	// Начисление успевает сбросить кэш, пока страница читается из базы
	c.Invalidate(ctx)
	c.Set(ctx, 10, version, samplePage)

	entries, current, ok := c.Get(ctx, 10)
	assert.False(t, ok)
	assert.Nil(t, entries)
	assert.Equal(t, version+1, current)
}

func TestLeaderboardCache_RedisDown(t *testing.T) {
	c, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	c.Set(ctx, 10, 0, samplePage)
	mr.Close()

	entries, version, ok := c.Get(ctx, 10)
	assert.False(t, ok)
	assert.Nil(t, entries)
	assert.Equal(t, int64(-1), version)

	c.Set(ctx, 10, version, samplePage)
	c.Invalidate(ctx)
}
