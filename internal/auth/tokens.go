// Package auth validates write tokens for the mutating annotation
// endpoints. Tokens live in Redis so they can be issued and revoked
// without a restart; a static token from the environment is accepted as a
// fallback for single-operator deployments.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenData holds what we know about an issued write token.
type TokenData struct {
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenStore validates write tokens against Redis plus the static
// fallback token.
type TokenStore struct {
	client      *redis.Client
	prefix      string
	staticToken string
}

// NewTokenStore connects to Redis. staticToken may be empty, in which case
// only Redis-issued tokens are accepted.
func NewTokenStore(redisURL, staticToken string) (*TokenStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewTokenStoreWithClient(client, staticToken), nil
}

// NewTokenStoreWithClient creates a store from an existing Redis client.
func NewTokenStoreWithClient(client *redis.Client, staticToken string) *TokenStore {
	return &TokenStore{
		client:      client,
		prefix:      "writetoken:",
		staticToken: staticToken,
	}
}

func (s *TokenStore) key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return s.prefix + hex.EncodeToString(sum[:])
}

// Issue stores a write token for the given actor. A zero ttl means the
// token does not expire.
func (s *TokenStore) Issue(ctx context.Context, token, actor string, ttl time.Duration) error {
	data, err := json.Marshal(TokenData{Actor: actor, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), data, ttl).Err(); err != nil {
		return fmt.Errorf("save write token: %w", err)
	}
	return nil
}

// Revoke deletes a write token.
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("revoke write token: %w", err)
	}
	return nil
}

// Validate checks a presented token. On success it returns the actor name
// to attribute audited actions to.
func (s *TokenStore) Validate(ctx context.Context, token string) (string, bool) {
	if token == "" {
		return "", false
	}
	if s.staticToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.staticToken)) == 1 {
		return "api", true
	}
	if s.client == nil {
		return "", false
	}

	raw, err := s.client.Get(ctx, s.key(token)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		return "", false
	}
	var data TokenData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return "", false
	}
	if data.Actor == "" {
		data.Actor = "api"
	}
	return data.Actor, true
}

// Close closes the Redis connection.
func (s *TokenStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *TokenStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}
