package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() {
		require.NoError(t, client.Close())
	}()

	runBasicStoreTest(t, NewRedisStore(client), 2*time.Second, func(d time.Duration) {
		mr.FastForward(d)
	})
}

func TestMemoryStore(t *testing.T) {
	runBasicStoreTest(t, NewMemoryStore(), 50*time.Millisecond, time.Sleep)
}

func TestEtcdStore(t *testing.T) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: time.Second,
	})
	if err != nil {
		t.Skipf("etcd is not available: %v", err)
	}
	defer func() {
		require.NoError(t, client.Close())
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, "localhost:2379"); err != nil {
		t.Skipf("etcd is not available: %v", err)
	}

	// etcd leases are whole seconds, so expiry needs real waiting plus
	// some slack for the server to reap the lease.
	runBasicStoreTest(t, NewEtcdStore(client), 2*time.Second, func(d time.Duration) {
		time.Sleep(d + 2*time.Second)
	})
}

func runBasicStoreTest(t *testing.T, s Store, ttl time.Duration, advance func(time.Duration)) {
	ctx := context.Background()
	key := "test-store-" + uuid.NewString()
	tokenA := uuid.NewString()
	tokenB := uuid.NewString()

	// Only the first setter wins.
	ok, err := s.SetIfAbsent(ctx, key, tokenA, ttl)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.SetIfAbsent(ctx, key, tokenB, ttl)
	require.NoError(t, err)
	require.False(t, ok)

	current, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, tokenA, current)

	// Conditional mutations reject a non-matching token.
	ok, err = s.CompareAndExpire(ctx, key, tokenB, ttl)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.CompareAndExpire(ctx, key, tokenA, ttl)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CompareAndExtend(ctx, key, tokenB, ttl)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.CompareAndExtend(ctx, key, tokenA, ttl)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CompareAndDelete(ctx, key, tokenB)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.CompareAndDelete(ctx, key, tokenA)
	require.NoError(t, err)
	require.True(t, ok)

	current, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.Empty(t, current)

	// Mutations on an absent key report false, not an error.
	ok, err = s.CompareAndExpire(ctx, key, tokenA, ttl)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.CompareAndDelete(ctx, key, tokenA)
	require.NoError(t, err)
	require.False(t, ok)

	// TTL expiry frees the key for the next setter, and the old token
	// can no longer touch the record.
	ok, err = s.SetIfAbsent(ctx, key, tokenA, ttl)
	require.NoError(t, err)
	require.True(t, ok)
	advance(2 * ttl)

	current, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.Empty(t, current)
	ok, err = s.SetIfAbsent(ctx, key, tokenB, ttl)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.CompareAndExpire(ctx, key, tokenA, ttl)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.CompareAndDelete(ctx, key, tokenB)
	require.NoError(t, err)
	require.True(t, ok)
}
