package sla

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker elects one sweeper per interval across processes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLocker takes a SET NX lease that expires on its own; it is never
// released early so other replicas skip the rest of the interval.
type RedisLocker struct {
	client *redis.Client
	owner  string
}

// NewRedisLocker builds a locker over client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, owner: uuid.NewString()}
}

// TryLock reports whether this process acquired key for ttl.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, l.owner, ttl).Result()
}
