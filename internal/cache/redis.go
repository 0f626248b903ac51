// Package cache's Redis backend implements the optional L2 Backend over
// github.com/redis/go-redis/v9, grounded on
// poyrazK-cloudDNS/internal/dns/server/redis.go's RedisCache: a
// "heimdall:"-prefixed key namespace, the same invalidation-channel pub/sub
// pattern, adapted to the Backend interface's context-aware
// get/set/del/error-returning signature instead of the teacher's
// swallow-errors-internally one.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// InvalidationChannel is the pub/sub channel used to fan out cache
// invalidations across a cluster of Heimdall instances sharing one Redis
// backend.
const InvalidationChannel = "heimdall:invalidation"

const redisKeyPrefix = "heimdall:"

// RedisBackend is a Backend implementation over a Redis server.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to addr (as configured by l2_backend_url).
func NewRedisBackend(addr, password string, db int) *RedisBackend {
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err()
}

func (r *RedisBackend) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisKeyPrefix+key).Err()
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// PublishInvalidation notifies other cluster members that key should be
// evicted from their L1/L2 caches.
func (r *RedisBackend) PublishInvalidation(ctx context.Context, name string, qtype uint16) error {
	msg := fmt.Sprintf("%s:%d", name, qtype)
	return r.client.Publish(ctx, InvalidationChannel, msg).Err()
}

// SubscribeInvalidations returns a channel of invalidation messages
// published by any cluster member (including this one).
func (r *RedisBackend) SubscribeInvalidations(ctx context.Context) <-chan *redis.Message {
	return r.client.Subscribe(ctx, InvalidationChannel).Channel()
}

// Close releases the underlying client connections.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
