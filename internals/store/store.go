package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by operations that require an existing key.
var ErrNotFound = errors.New("store: key not found")

// ScoredMember is one member of an ordered membership index.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the coordination backend: an ordered-by-score membership index
// plus a TTL-aware string keyspace. The engine assumes single-key atomicity
// only; anything spanning more than one key is coordinated above this layer.
type Store interface {
	// Ordered membership index
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key, member string) (bool, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error)
	ZOldest(ctx context.Context, key string, n int) ([]ScoredMember, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)

	// TTL keyspace
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	ExistsEach(ctx context.Context, keys []string) ([]bool, error)
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)
	Scan(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
