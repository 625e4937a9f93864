package store

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/metrics"
)

// compareAndDelete deletes the key only when it still holds the expected
// value. Used for owner-checked lock release.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore is the production Store backend.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	logger.Info("Redis connection established",
		zap.String("addr", addr),
		zap.Int("db", db),
	)

	return &RedisStore{client: client, logger: logger}, nil
}

func formatScore(f float64) string {
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if math.IsInf(f, 1) {
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (s *RedisStore) observe(start time.Time, err error) {
	metrics.StoreLatencySeconds.Observe(time.Since(start).Seconds())
	if err != nil && err != redis.Nil {
		metrics.StoreErrorsTotal.Inc()
	}
}

func (s *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	start := time.Now()
	err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	s.observe(start, err)
	return err
}

func (s *RedisStore) ZRem(ctx context.Context, key, member string) (bool, error) {
	start := time.Now()
	n, err := s.client.ZRem(ctx, key, member).Result()
	s.observe(start, err)
	return n > 0, err
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	start := time.Now()
	score, err := s.client.ZScore(ctx, key, member).Result()
	s.observe(start, err)
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error) {
	start := time.Now()
	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	s.observe(start, err)
	if err != nil {
		return nil, err
	}
	return fromRedisZ(zs), nil
}

func (s *RedisStore) ZOldest(ctx context.Context, key string, n int) ([]ScoredMember, error) {
	if n <= 0 {
		return nil, nil
	}
	start := time.Now()
	zs, err := s.client.ZRangeWithScores(ctx, key, 0, int64(n-1)).Result()
	s.observe(start, err)
	if err != nil {
		return nil, err
	}
	return fromRedisZ(zs), nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	n, err := s.client.ZCard(ctx, key).Result()
	s.observe(start, err)
	return n, err
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	start := time.Now()
	n, err := s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
	s.observe(start, err)
	return n, err
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	val, err := s.client.Get(ctx, key).Result()
	s.observe(start, err)
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()
	err := s.client.Set(ctx, key, value, ttl).Err()
	s.observe(start, err)
	return err
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	s.observe(start, err)
	return ok, err
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	start := time.Now()
	n, err := s.client.Del(ctx, keys...).Result()
	s.observe(start, err)
	return n, err
}

func (s *RedisStore) Exists(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	start := time.Now()
	n, err := s.client.Exists(ctx, keys...).Result()
	s.observe(start, err)
	return n, err
}

// ExistsEach pipelines one EXISTS per key so batch cooldown checks cost a
// single round trip.
func (s *RedisStore) ExistsEach(ctx context.Context, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	start := time.Now()
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Exists(ctx, key)
	}
	_, err := pipe.Exec(ctx)
	s.observe(start, err)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(keys))
	for i, cmd := range cmds {
		out[i] = cmd.Val() > 0
	}
	return out, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	start := time.Now()
	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, expect).Int64()
	s.observe(start, err)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		start := time.Now()
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		s.observe(start, err)
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		s.logger.Error("Failed to close Redis connection", zap.Error(err))
		return err
	}
	return nil
}

func fromRedisZ(zs []redis.Z) []ScoredMember {
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out
}
