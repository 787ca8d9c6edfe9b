package limiter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store with SET NX PX and PTTL, so admission is
// atomic across every process sharing the Redis database.
type RedisStore struct {
	rdb redis.Cmdable
}

func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, "1", ttl).Result()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// -2: key missing, -1: no expiry
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
