// Package cache is the key/value layer shared by the conversation store
// cache-aside and the admission counters.
//
// Values are opaque bytes with a TTL. Typed values go through Save/Load,
// which encode with deterministic CBOR and zstd-compress large payloads.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is a TTL key/value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores val. A ttl <= 0 keeps the entry until deleted.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Incr atomically increments an integer counter and returns the new value.
	// ttl applies only when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Close() error
}

// Save encodes v and stores it under key.
func Save(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	if s == nil {
		return errors.New("nil cache store")
	}
	b, err := Encode(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, b, ttl)
}

// Load decodes the value under key into v. It reports false on a miss.
func Load(ctx context.Context, s Store, key string, v any) (bool, error) {
	if s == nil {
		return false, errors.New("nil cache store")
	}
	b, err := s.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := Decode(b, v); err != nil {
		return false, err
	}
	return true, nil
}
