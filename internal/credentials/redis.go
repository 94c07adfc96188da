// ABOUTME: Redis credential store using go-redis
// ABOUTME: Identity kept as a JSON string under a prefixed key

package credentials

import (
	"context"
	"errors"
	"fmt"

	backend "github.com/redis/go-redis/v9"
)

// defaultRedisPrefix namespaces keys written by RedisStore.
const defaultRedisPrefix = "coven-menubot:credentials:"

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	client *backend.Client
	prefix string
	owned  bool
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore connects to the server at address.
func NewRedisStore(address, password string, db int, opts ...RedisOption) *RedisStore {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	s := NewRedisStoreFromClient(client, opts...)
	s.owned = true
	return s
}

// NewRedisStoreFromClient wraps an existing client. Close leaves it open.
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: defaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key() string {
	return s.prefix + defaultSlot
}

// Load fetches the identity.
func (s *RedisStore) Load(ctx context.Context) (*Identity, error) {
	val, err := s.client.Get(ctx, s.key()).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading identity from redis: %w", err)
	}
	return decode(val)
}

// Save writes the identity without expiry.
func (s *RedisStore) Save(ctx context.Context, id *Identity) error {
	data, err := encode(id)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(), data, 0).Err(); err != nil {
		return fmt.Errorf("writing identity to redis: %w", err)
	}
	return nil
}

// Reset deletes the key.
func (s *RedisStore) Reset(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("deleting identity from redis: %w", err)
	}
	return nil
}

// Close closes the client if the store created it.
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
