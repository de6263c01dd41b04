package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ralt/resolvd/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the configuration document in a Redis string key
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to the Redis server at url. key defaults to
// ConfigsKey.
func NewRedisStore(url, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, &models.PackageError{Type: models.ErrConfigInvalid, Err: fmt.Errorf("invalid redis url: %w", err)}
	}
	return NewRedisStoreFromClient(redis.NewClient(opts), key), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = ConfigsKey
	}
	return &RedisStore{client: client, key: key}
}

// Load implements Store
func (s *RedisStore) Load(ctx context.Context) (map[string]models.PackageConfig, error) {
	raw, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return map[string]models.PackageConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return decode(raw)
}

// Save implements Store
func (s *RedisStore) Save(ctx context.Context, configs map[string]models.PackageConfig) error {
	raw, err := encode(configs)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
