package directory

import (
	"context"
	"e2e_call/internal/service/redis"
	"fmt"
)

// Redis keeps published keys in Redis; the relay server serves /keys from it.
type Redis struct {
	redisService *redis.RedisService
}

func NewRedis(redisSvc *redis.RedisService) *Redis {
	return &Redis{redisService: redisSvc}
}

func key(userID string) string {
	return fmt.Sprintf("public_key: %s", userID)
}

func (r *Redis) Publish(ctx context.Context, userID, publicKey string) error {
	// keys never expire, the pair is static per device
	return r.redisService.Set(ctx, key(userID), publicKey, 0)
}

func (r *Redis) PublicKey(ctx context.Context, userID string) (string, error) {
	v, err := r.redisService.Get(ctx, key(userID))
	if redis.IsNil(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}
