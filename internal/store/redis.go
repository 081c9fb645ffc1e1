package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/roomchat/internal/domain"
)

// consumeScript deletes a token only when its value matches, so a token is
// consumed by at most one caller.
var consumeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTokenStore keeps single-use connection tokens in Redis with native
// key expiry.
type RedisTokenStore struct {
	client *redis.Client
}

// NewRedisTokenStore connects to Redis at redisURL.
func NewRedisTokenStore(ctx context.Context, redisURL string) (*RedisTokenStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisTokenStore{client: client}, nil
}

// NewRedisTokenStoreFromClient wraps an existing client.
func NewRedisTokenStoreFromClient(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func tokenKey(key string) string {
	return fmt.Sprintf("token:%s", key)
}

// CreateToken stores value under key with a TTL, replacing any previous token.
func (s *RedisTokenStore) CreateToken(ctx context.Context, key, value string, ttl time.Duration) (*domain.TemporaryToken, error) {
	if err := s.client.Set(ctx, tokenKey(key), value, ttl).Err(); err != nil {
		return nil, fmt.Errorf("set token: %w", err)
	}
	return &domain.TemporaryToken{
		Key:       key,
		Value:     value,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

// ConsumeToken atomically deletes the token if value matches.
func (s *RedisTokenStore) ConsumeToken(ctx context.Context, key, value string) error {
	deleted, err := consumeScript.Run(ctx, s.client, []string{tokenKey(key)}, value).Int64()
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	if deleted == 0 {
		return ErrTokenInvalid
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisTokenStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisTokenStore) Close() error {
	return s.client.Close()
}
