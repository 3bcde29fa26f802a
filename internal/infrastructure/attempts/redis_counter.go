package attempts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter keeps a per-message failure count outside the broker, for
// redelivery paths that cannot carry headers (nack with requeue).
type RedisCounter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

func NewRedisCounter(client *redis.Client, ttl time.Duration) *RedisCounter {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCounter{
		client: client,
		prefix: "confirm:attempts:",
		ttl:    ttl,
	}
}

// Failures returns how many failed attempts have been recorded for id.
func (c *RedisCounter) Failures(ctx context.Context, id string) (int, error) {
	if id == "" {
		return 0, fmt.Errorf("empty message id")
	}
	v, err := c.client.Get(ctx, c.prefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("corrupt attempt counter %q: %w", v, err)
	}
	return n, nil
}

// RecordFailure increments the failure count for id and returns the new value.
func (c *RedisCounter) RecordFailure(ctx context.Context, id string) (int, error) {
	if id == "" {
		return 0, fmt.Errorf("empty message id")
	}
	key := c.prefix + id

	// INCR and EXPIRE in one MULTI so a counter never outlives its TTL
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

// Clear drops the counter once a message reaches a terminal disposition.
func (c *RedisCounter) Clear(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return c.client.Del(ctx, c.prefix+id).Err()
}

func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
