package circuit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Redis shares breaker state between orchestrator replicas. Each tenant is a
// sorted set of failure ids scored by unix milliseconds. Redis errors are
// logged and treated as a closed breaker.
type Redis struct {
	client    *redis.Client
	logger    *slog.Logger
	prefix    string
	threshold int
	window    time.Duration
	timeout   time.Duration
	now       func() time.Time
}

var _ Breaker = (*Redis)(nil)

// NewRedis connects to addr and returns a shared breaker.
func NewRedis(addr, password string, db, threshold int, window time.Duration, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewRedisWithClient(client, threshold, window, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, threshold int, window time.Duration, logger *slog.Logger) *Redis {
	threshold, window = normalize(threshold, window)
	return &Redis{
		client:    client,
		logger:    logger,
		prefix:    "sitedeploy:circuit:",
		threshold: threshold,
		window:    window,
		timeout:   250 * time.Millisecond,
		now:       time.Now,
	}
}

// IsOpen reports whether the tenant has reached the failure threshold.
func (r *Redis) IsOpen(ctx context.Context, tenantID string) bool {
	return r.Failures(ctx, tenantID) >= r.threshold
}

// Failures prunes expired entries and counts the rest.
func (r *Redis) Failures(ctx context.Context, tenantID string) int {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	key := r.prefix + tenantID
	cutoff := strconv.FormatInt(r.now().Add(-r.window).UnixMilli(), 10)
	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err(); err != nil {
		r.logRedisError("zremrangebyscore", err)
		return 0
	}
	count, err := r.client.ZCount(ctx, key, "("+cutoff, "+inf").Result()
	if err != nil {
		r.logRedisError("zcount", err)
		return 0
	}
	return int(count)
}

// RecordFailure adds a failure at the current time.
func (r *Redis) RecordFailure(ctx context.Context, tenantID string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	key := r.prefix + tenantID
	member := redis.Z{Score: float64(r.now().UnixMilli()), Member: uuid.NewString()}
	if err := r.client.ZAdd(ctx, key, member).Err(); err != nil {
		r.logRedisError("zadd", err)
		return
	}
	if err := r.client.Expire(ctx, key, r.window).Err(); err != nil {
		r.logRedisError("expire", err)
	}
}

// Clear removes the tenant's failure set.
func (r *Redis) Clear(ctx context.Context, tenantID string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, r.prefix+tenantID).Err(); err != nil {
		r.logRedisError("del", err)
	}
}

// Close releases the Redis connection.
func (r *Redis) Close() {
	if r.client != nil {
		_ = r.client.Close()
	}
}

func (r *Redis) logRedisError(op string, err error) {
	if r.logger == nil {
		return
	}
	r.logger.Error("redis circuit breaker error", "op", op, "error", err)
}
