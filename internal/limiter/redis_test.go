package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreMatchesMemoryStore(t *testing.T) {
	store, _ := newTestRedisStore(t)
	w := openAIWindow()
	ctx := context.Background()

	for _, s := range []float64{10, 20, 30, 40} {
		res, err := store.Add(ctx, "d", w, 24, at(s))
		require.NoError(t, err)
		require.True(t, res.Admitted)
	}

	res, err := store.Add(ctx, "d", w, 20, at(50))
	require.NoError(t, err)
	require.False(t, res.Admitted)
	assert.Equal(t, ReasonTokens, res.Reason)
	assert.Equal(t, 20, res.RetryAfter)

	res, err = store.Add(ctx, "d", w, 20, at(70))
	require.NoError(t, err)
	require.True(t, res.Admitted)
	assert.Equal(t, 100-72-20, res.RemainingTokens)
}

func TestRedisStorePurgesAndExpires(t *testing.T) {
	store, mr := newTestRedisStore(t)
	w := openAIWindow()
	ctx := context.Background()

	for _, s := range []float64{0, 10, 20} {
		_, err := store.Add(ctx, "d", w, 1, at(s))
		require.NoError(t, err)
	}
	_, err := store.Add(ctx, "d", w, 1, at(75))
	require.NoError(t, err)

	members, err := mr.ZMembers(defaultRedisPrefix + "d")
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.Greater(t, mr.TTL(defaultRedisPrefix+"d"), time.Duration(0))
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, WithKeyPrefix("test:"))
	defer func() { _ = store.Close() }()

	_, err := store.Add(context.Background(), "d", openAIWindow(), 1, at(1))
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:d"))
}

func TestRedisStoreConcurrentAdmission(t *testing.T) {
	store, _ := newTestRedisStore(t)
	w := Window{RequestLimit: 3, RequestWindow: 10 * time.Second}
	now := at(1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Add(context.Background(), "shared", w, 0, now)
			if err != nil || !res.Admitted {
				return
			}
			mu.Lock()
			admitted++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, admitted, 3)
	assert.Positive(t, admitted)
}

func TestMemberRoundTrip(t *testing.T) {
	now := at(12.5)
	member := encodeMember(now, 42)
	e := decodeMember(redis.Z{Score: float64(now.UnixMicro()), Member: member})
	assert.True(t, e.At.Equal(now))
	assert.Equal(t, 42, e.Cost)
}

func TestNewStore(t *testing.T) {
	store, err := NewStore("")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = NewStore("memory://")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	mr := miniredis.RunT(t)
	t.Setenv("AOAISIM_TEST_REDIS", mr.Addr())
	store, err = NewStore("redis://${AOAISIM_TEST_REDIS}/0")
	require.NoError(t, err)
	require.IsType(t, &RedisStore{}, store)
	defer func() { _ = store.Close() }()

	res, err := store.Add(context.Background(), "d", openAIWindow(), 1, at(1))
	require.NoError(t, err)
	assert.True(t, res.Admitted)

	_, err = NewStore("memcached://localhost")
	require.ErrorIs(t, err, ErrUnsupportedStorage)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "memory://", Describe(""))
	assert.Equal(t, "memory://", Describe("memory://"))
	assert.Equal(t, "redis://:xxxxx@cache:6379/0", Describe("redis://:hunter2@cache:6379/0"))
	assert.Equal(t, "redis://cache:6379", Describe("redis://cache:6379"))
}

func TestRedisStoreGivesUpWithContention(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), WithMaxRetries(0))
	t.Cleanup(func() { _ = store.Close() })

	_, err := store.Add(context.Background(), "busy", Window{RequestLimit: 1, RequestWindow: time.Second}, 0, at(1))
	assert.ErrorIs(t, err, ErrContention)
}
