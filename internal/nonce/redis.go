package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "hghs:register-nonce:"

// RedisStore shares nonces between instances. Expiry is left to Redis.
type RedisStore struct {
	rdb *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) Issue(ctx context.Context, nonce string, ttl time.Duration) error {
	ok, err := s.rdb.SetNX(ctx, redisKeyPrefix+nonce, 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("store nonce: %w", err)
	}
	if !ok {
		return fmt.Errorf("nonce already issued")
	}
	return nil
}

// Consume uses GETDEL so two concurrent consumers cannot both succeed.
func (s *RedisStore) Consume(ctx context.Context, nonce string) (bool, error) {
	err := s.rdb.GetDel(ctx, redisKeyPrefix+nonce).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume nonce: %w", err)
	}
	return true, nil
}
