package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"

	"github.com/baechuer/booking-confirmation/internal/domain"
)

const (
	defaultTTL       = 7 * 24 * time.Hour
	defaultClaimHold = 2 * time.Minute
)

type RedisStore struct {
	pool   *redis.Pool
	prefix string
	lg     zerolog.Logger
}

func NewRedisPool(addr, password string, db int) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     5,
		MaxActive:   20,
		IdleTimeout: 60 * time.Second,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			return redis.Dial(
				"tcp",
				addr,
				redis.DialPassword(password),
				redis.DialDatabase(db),
				redis.DialConnectTimeout(3*time.Second),
				redis.DialReadTimeout(3*time.Second),
				redis.DialWriteTimeout(3*time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < 30*time.Second {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

func NewRedisStore(pool *redis.Pool, lg zerolog.Logger) *RedisStore {
	return &RedisStore{
		pool:   pool,
		prefix: "notify:sent:",
		lg:     lg.With().Str("component", "idem_store").Logger(),
	}
}

const (
	claimValue = "sending"
	sentValue  = "1"
)

// releaseScript deletes the key only while it still holds a claim, so a
// late release cannot wipe a sent marker.
var releaseScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Claim reserves key with SET NX PX. A taken key is reported as
// domain.ErrAlreadySent or domain.ErrSendInProgress depending on its value.
func (s *RedisStore) Claim(ctx context.Context, key string, hold time.Duration) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	k := s.prefix + key
	ms := hold.Milliseconds()
	if ms <= 0 {
		ms = defaultClaimHold.Milliseconds()
	}

	_, err = redis.String(conn.Do("SET", k, claimValue, "NX", "PX", ms))
	if err == nil {
		return nil
	}
	if !errors.Is(err, redis.ErrNil) {
		return err
	}

	v, err := redis.String(conn.Do("GET", k))
	switch {
	case errors.Is(err, redis.ErrNil):
		// claim expired between the two calls
		return domain.ErrSendInProgress
	case err != nil:
		return err
	case v == sentValue:
		s.lg.Debug().Str("key", key).Msg("key already marked sent")
		return domain.ErrAlreadySent
	default:
		return domain.ErrSendInProgress
	}
}

// MarkSent records key as sent for ttl, replacing any claim.
func (s *RedisStore) MarkSent(ctx context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("SET", s.prefix+key, sentValue, "EX", ttlSeconds(ttl))
	return err
}

// Release drops an unfinished claim. Sent markers are left alone.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = releaseScript.Do(conn, s.prefix+key, claimValue)
	return err
}

// Ping backs the readiness check.
func (s *RedisStore) Ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("PING")
	return err
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs <= 0 {
		secs = int64(defaultTTL / time.Second)
	}
	return secs
}
