// Copyright 2025 James Ross
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the cache-replay store: a namespaced Redis key/value store the
// Completion Pipeline writes to when a job's cache_ttl is set and it
// succeeds, so a later job with the same script_hash+args can be resolved
// without a re-run.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New wires a cache Store against an already-constructed Redis client
// (internal/redisclient.New).
func New(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "cache"
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

// Key derives a cache_key from a job's script identity and resolved args:
// Job carries no persisted cache_key column, so the Completion Pipeline
// calls this at write time and a cache-check call site would call it again
// at read time to look up the same replay entry.
func (s *Store) Key(scriptHash string, args json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(scriptHash))
	h.Write([]byte{0})
	h.Write(args)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) keyName(key string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, key)
}

// Put writes a replay entry with the given TTL. A zero/negative TTL is a
// caller bug (cache_ttl <= 0 never reaches here — the pipeline only calls
// Put when cache_ttl > 0) but is passed through to Redis rather than
// silently clamped, so a misconfigured caller finds out immediately.
func (s *Store) Put(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	return s.client.Set(ctx, s.keyName(key), []byte(result), ttl).Err()
}

// Get returns a cached result and whether one was present.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	val, err := s.client.Get(ctx, s.keyName(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return json.RawMessage(val), true, nil
}
