package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreFromClient(client, "test"), mr
}

func TestRedisStoreKV(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	got, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.SetEx(ctx, "k", []byte("v"), time.Minute))
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	// Keys are namespaced.
	assert.True(t, mr.Exists("test:k"))

	require.NoError(t, s.Delete(ctx, "k"))
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStoreSetNX(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	ok, err := s.SetNX(ctx, "lock", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreIncrBy(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	n, err := s.IncrBy(ctx, "c", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.IncrBy(ctx, "c", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	ttl := mr.TTL("test:c")
	assert.Greater(t, ttl, time.Duration(0))

	f, err := s.IncrByFloat(ctx, "spend", 0.5, time.Minute)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, f, 1e-9)
}

func TestRedisStoreWindowIncr(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	ops := []WindowOp{
		{Identity: "key:k1:gpt-4o", Kind: "rpm", Increment: 1},
		{Identity: "key:k1:gpt-4o", Kind: "tpm", Increment: 250},
	}

	results, err := s.WindowIncr(ctx, ops, time.Minute)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].Count)
	assert.Equal(t, int64(250), results[1].Count)

	results, err = s.WindowIncr(ctx, ops, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), results[0].Count)
	assert.Equal(t, int64(500), results[1].Count)
	assert.Equal(t, results[0].WindowStart, results[1].WindowStart)

	// The window resets once its size elapses.
	mr.FastForward(61 * time.Second)
	results, err = s.WindowIncr(ctx, ops, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), results[0].Count)
	assert.Equal(t, int64(250), results[1].Count)
}

func TestRedisStoreWindowAdmit(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	ops := []WindowOp{
		{Identity: "key:k1:gpt-4o", Kind: "rpm", Increment: 1, Limit: 2},
		{Identity: "key:k1:gpt-4o", Kind: "tpm", Increment: 250, Limit: 1000},
	}

	dec, err := s.WindowAdmit(ctx, ops, time.Minute)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, -1, dec.FailedIndex)
	require.Len(t, dec.Results, 2)
	assert.Equal(t, int64(1), dec.Results[0].Count)
	assert.Equal(t, int64(250), dec.Results[1].Count)

	dec, err = s.WindowAdmit(ctx, ops, time.Minute)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, int64(2), dec.Results[0].Count)

	// The rpm limit is reached. The whole batch is refused and neither
	// counter advances.
	dec, err = s.WindowAdmit(ctx, ops, time.Minute)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 0, dec.FailedIndex)

	read, err := s.WindowIncr(ctx, []WindowOp{
		{Identity: "key:k1:gpt-4o", Kind: "rpm"},
		{Identity: "key:k1:gpt-4o", Kind: "tpm"},
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), read[0].Count)
	assert.Equal(t, int64(500), read[1].Count)

	// A fresh window admits again.
	mr.FastForward(61 * time.Second)
	dec, err = s.WindowAdmit(ctx, ops, time.Minute)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, int64(1), dec.Results[0].Count)
}

func TestRedisStoreWindowAdmitUnlimited(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	ops := []WindowOp{{Identity: "key:k1", Kind: "rpm", Increment: 1}}
	for range 5 {
		dec, err := s.WindowAdmit(ctx, ops, time.Minute)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
	}

	read, err := s.WindowIncr(ctx, []WindowOp{{Identity: "key:k1", Kind: "rpm"}}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), read[0].Count)
}

func TestRedisStoreCounterAdd(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	ops := []WindowOp{{Identity: "key:k1", Kind: "tpm", Increment: 500}}
	_, err := s.WindowIncr(ctx, ops, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.CounterAdd(ctx, "key:k1", "tpm", -200))

	results, err := s.WindowIncr(ctx, []WindowOp{{Identity: "key:k1", Kind: "tpm"}}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(300), results[0].Count)
}

func TestRedisStoreLatencies(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	now := time.Now()
	require.NoError(t, s.RecordLatency(ctx, "d1", now.Add(-10*time.Minute), 900, time.Hour))
	require.NoError(t, s.RecordLatency(ctx, "d1", now.Add(-time.Minute), 100, time.Hour))
	require.NoError(t, s.RecordLatency(ctx, "d1", now, 200, time.Hour))

	got, err := s.LatenciesSince(ctx, "d1", now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 200}, got)
}

func TestRedisStorePing(t *testing.T) {
	s, mr := newTestRedisStore(t)
	assert.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}
