package replay

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard shares nonce state across instances. SET NX with a TTL gives
// atomic check-and-insert and native expiry, so CleanupExpired is a no-op.
type RedisGuard struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisGuard connects to Redis and verifies the connection.
func NewRedisGuard(ctx context.Context, addr, password string, db int, keyPrefix string) (*RedisGuard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping failed: %v", ErrStorage, err)
	}
	return NewRedisGuardWithClient(client, keyPrefix), nil
}

// NewRedisGuardWithClient wraps an existing client, for injection in tests.
func NewRedisGuardWithClient(client *redis.Client, keyPrefix string) *RedisGuard {
	if keyPrefix == "" {
		keyPrefix = "aegis:nonce:"
	}
	return &RedisGuard{client: client, keyPrefix: keyPrefix}
}

// CheckAndInsert records the nonce via SET NX. Redis guarantees exactly one
// winner for concurrent callers on the same key.
func (g *RedisGuard) CheckAndInsert(ctx context.Context, nonce [NonceSize]byte, ttlSeconds uint64) error {
	key := g.keyPrefix + hex.EncodeToString(nonce[:])
	ttl := time.Duration(ttlSeconds) * time.Second

	ok, err := g.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !ok {
		return ErrNonceReused
	}
	return nil
}

// CleanupExpired is a no-op: Redis expires keys itself.
func (g *RedisGuard) CleanupExpired(context.Context) (int, error) {
	return 0, nil
}
