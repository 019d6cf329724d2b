// Copyright 2025 James Ross
package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "cache")
}

func TestKeyIsStableAndArgsSensitive(t *testing.T) {
	s := newTestStore(t)
	a := s.Key("hash1", json.RawMessage(`{"x":1}`))
	b := s.Key("hash1", json.RawMessage(`{"x":1}`))
	c := s.Key("hash1", json.RawMessage(`{"x":2}`))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := s.Key("hash1", json.RawMessage(`{"x":1}`))

	require.NoError(t, s.Put(ctx, key, json.RawMessage(`{"result":42}`), time.Minute))

	val, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"result":42}`, string(val))
}

func TestGetMissReturnsFalse(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.Get(ctx, "nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}
