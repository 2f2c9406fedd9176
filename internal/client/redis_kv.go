package client

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned by KVStore.Get for absent keys.
var ErrKeyNotFound = errors.New("key not found")

// KVStore is the key-value surface the context store, job tracker and
// orchestrator persist records through. Redis backs it in production;
// tests substitute an in-memory map. Writes are atomic per key.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, retention time.Duration) error
	Delete(ctx context.Context, key string) error
	AddToSet(ctx context.Context, set, member string) error
	RemoveFromSet(ctx context.Context, set, member string) error
	SetMembers(ctx context.Context, set string) ([]string, error)
}

// RedisKV implements KVStore on go-redis.
type RedisKV struct {
	rdb *redis.Client
}

func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

func (s *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *RedisKV) Set(ctx context.Context, key string, value []byte, retention time.Duration) error {
	return s.rdb.Set(ctx, key, value, retention).Err()
}

func (s *RedisKV) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *RedisKV) AddToSet(ctx context.Context, set, member string) error {
	return s.rdb.SAdd(ctx, set, member).Err()
}

func (s *RedisKV) RemoveFromSet(ctx context.Context, set, member string) error {
	return s.rdb.SRem(ctx, set, member).Err()
}

func (s *RedisKV) SetMembers(ctx context.Context, set string) ([]string, error) {
	return s.rdb.SMembers(ctx, set).Result()
}
