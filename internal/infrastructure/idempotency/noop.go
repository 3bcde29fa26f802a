package idempotency

import (
	"context"
	"time"
)

// NoopStore grants every claim and remembers nothing. Used only when
// deduplication is switched off.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (s *NoopStore) Claim(ctx context.Context, key string, hold time.Duration) error { return nil }

func (s *NoopStore) MarkSent(ctx context.Context, key string, ttl time.Duration) error { return nil }

func (s *NoopStore) Release(ctx context.Context, key string) error { return nil }
