package rabbitmq

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

type ReconnectConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	// MaxAttempts caps consecutive failed reconnects; 0 retries forever.
	MaxAttempts int
}

// reconnectBackoff is exponential backoff with jitter and an optional cap on
// consecutive attempts.
type reconnectBackoff struct {
	b           *backoff.ExponentialBackOff
	maxAttempts int
	attempts    int
}

func newReconnectBackoff(cfg ReconnectConfig) *reconnectBackoff {
	b := backoff.NewExponentialBackOff()
	if cfg.Initial > 0 {
		b.InitialInterval = cfg.Initial
	}
	if cfg.Max > 0 {
		b.MaxInterval = cfg.Max
	}
	if cfg.Multiplier >= 1 {
		b.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter >= 0 && cfg.Jitter < 1 {
		b.RandomizationFactor = cfg.Jitter
	}
	b.Reset()

	return &reconnectBackoff{b: b, maxAttempts: cfg.MaxAttempts}
}

// Next returns the wait before the next attempt, or false once the attempt
// cap is reached.
func (r *reconnectBackoff) Next() (time.Duration, bool) {
	if r.maxAttempts > 0 && r.attempts >= r.maxAttempts {
		return 0, false
	}
	r.attempts++
	return r.b.NextBackOff(), true
}

func (r *reconnectBackoff) Attempts() int { return r.attempts }

func (r *reconnectBackoff) Reset() {
	r.attempts = 0
	r.b.Reset()
}
