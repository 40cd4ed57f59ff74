package cache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-relaypool/internal/types"
)

func newMemory(t *testing.T) *MemoryCache {
	t.Helper()
	m := NewMemoryCache(100, time.Hour)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMemoryCacheTTL(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))

	v, found, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("1"), v)

	now = now.Add(2 * time.Minute)
	_, found, _ = m.Get(ctx, "a")
	assert.False(t, found)
	_, found, _ = m.Get(ctx, "b")
	assert.True(t, found, "zero TTL never expires")

	got, err := m.GetMultiple(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"b": []byte("2")}, got)

	require.NoError(t, m.Delete(ctx, "b"))
	_, found, _ = m.Get(ctx, "b")
	assert.False(t, found)
}

func TestMemoryCacheCleanupEnforcesMaxSize(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryCache(2, time.Hour)
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.Set(ctx, "soon", []byte("x"), time.Minute))
	require.NoError(t, m.Set(ctx, "later", []byte("x"), time.Hour))
	require.NoError(t, m.Set(ctx, "never", []byte("x"), 0))
	m.cleanup()

	_, found, _ := m.Get(ctx, "soon")
	assert.False(t, found)
	_, found, _ = m.Get(ctx, "later")
	assert.True(t, found)
	_, found, _ = m.Get(ctx, "never")
	assert.True(t, found)
}

func TestMemoryCacheCloseTwice(t *testing.T) {
	m := NewMemoryCache(1, time.Hour)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestCheckpointAdvanceOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	s := NewCheckpointStore(newMemory(t), 0)

	_, found, err := s.Get(ctx, "feed")
	require.NoError(t, err)
	assert.False(t, found)

	moved, err := s.Advance(ctx, "feed", 100)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.Advance(ctx, "feed", 90)
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = s.Advance(ctx, "feed", 100)
	require.NoError(t, err)
	assert.False(t, moved)

	ts, found, err := s.Get(ctx, "feed")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(100), ts)

	require.NoError(t, s.Clear(ctx, "feed"))
	_, found, _ = s.Get(ctx, "feed")
	assert.False(t, found)
}

func TestCheckpointConcurrentAdvance(t *testing.T) {
	ctx := context.Background()
	s := NewCheckpointStore(newMemory(t), 0)

	var wg sync.WaitGroup
	for i := int64(1); i <= 50; i++ {
		wg.Add(1)
		go func(ts int64) {
			defer wg.Done()
			_, _ = s.Advance(ctx, "feed", ts)
		}(i)
	}
	wg.Wait()

	ts, _, err := s.Get(ctx, "feed")
	require.NoError(t, err)
	assert.Equal(t, int64(50), ts)
}

func TestCheckpointResume(t *testing.T) {
	ctx := context.Background()
	s := NewCheckpointStore(newMemory(t), 0)

	late := types.Filter{Kinds: []int{1}}.WithSince(500)
	filters := []types.Filter{{Kinds: []int{1}}, late}

	out, err := s.Resume(ctx, "feed", filters)
	require.NoError(t, err)
	assert.Nil(t, out[0].Since)

	_, err = s.Advance(ctx, "feed", 200)
	require.NoError(t, err)
	out, err = s.Resume(ctx, "feed", filters)
	require.NoError(t, err)
	require.NotNil(t, out[0].Since)
	assert.Equal(t, int64(200), *out[0].Since)
	assert.Equal(t, int64(500), *out[1].Since)
	assert.Nil(t, filters[0].Since, "input is not modified")
}

func TestCheckpointsAndCorruptValue(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	s := NewCheckpointStore(m, 0)

	_, _ = s.Advance(ctx, "a", 10)
	_, _ = s.Advance(ctx, "b", 20)
	require.NoError(t, m.Set(ctx, checkpointKey("c"), []byte("nope"), 0))

	got, err := s.Checkpoints(ctx, []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 10, "b": 20}, got)

	_, _, err = s.Get(ctx, "c")
	assert.Error(t, err)
}

func TestOpenFallsBackToMemory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedisURL = "not-a-redis-url"
	b, kind := Open(cfg)
	t.Cleanup(func() { b.Close() })
	assert.Equal(t, "memory", kind)
	assert.IsType(t, &MemoryCache{}, b)
}

func TestNewRedisCacheInvalidURL(t *testing.T) {
	_, err := NewRedisCache("http://localhost", "x:")
	assert.ErrorContains(t, err, "invalid redis URL")
}

func TestRedisCheckpoints(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx := context.Background()
	rc, err := NewRedisCache(url, "relaypool-test:"+t.Name()+":")
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	s := NewCheckpointStore(rc, time.Minute)
	t.Cleanup(func() { _ = s.Clear(ctx, "feed") })

	moved, err := s.Advance(ctx, "feed", 42)
	require.NoError(t, err)
	assert.True(t, moved)
	moved, err = s.Advance(ctx, "feed", 41)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := s.Checkpoints(ctx, []string{"feed", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"feed": 42}, got)
}
