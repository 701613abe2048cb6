package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/config"
)

const presenceKeyPrefix = "realtime:presence:"

// Redis wraps the go-redis client. A Redis without a client is valid and
// reports every operation as not configured.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to Redis when an address is configured.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *Redis {
	if cfg.Addr == "" {
		logger.Warn("REDIS_ADDR not provided; presence and sweep lock disabled")
		return &Redis{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("unable to reach redis", zap.String("addr", cfg.Addr), zap.Error(err))
	} else {
		logger.Info("connected to redis", zap.String("addr", cfg.Addr))
	}

	return &Redis{Client: client}
}

// Enabled reports whether a client is configured.
func (r *Redis) Enabled() bool {
	return r != nil && r.Client != nil
}

// Close closes the client.
func (r *Redis) Close() {
	if r.Enabled() {
		_ = r.Client.Close()
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if !r.Enabled() {
		return ErrNotConfigured
	}
	return r.Client.Ping(ctx).Err()
}

// MarkPresent records that userID is online for ttl.
func (r *Redis) MarkPresent(ctx context.Context, userID int64, ttl time.Duration) error {
	if !r.Enabled() {
		return ErrNotConfigured
	}
	return r.Client.Set(ctx, presenceKey(userID), time.Now().UTC().Format(time.RFC3339Nano), ttl).Err()
}

// IsPresent reports whether userID heartbeated within the presence TTL.
func (r *Redis) IsPresent(ctx context.Context, userID int64) (bool, error) {
	if !r.Enabled() {
		return false, ErrNotConfigured
	}
	n, err := r.Client.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func presenceKey(userID int64) string {
	return fmt.Sprintf("%s%d", presenceKeyPrefix, userID)
}
