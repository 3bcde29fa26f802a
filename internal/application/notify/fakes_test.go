package notify

import (
	"context"
	"sync"
	"time"

	"github.com/baechuer/booking-confirmation/internal/domain"
)

// ---- Fake Sender ----

type fakeSender struct {
	mu sync.Mutex

	calls int
	last  domain.EmailMessage

	// Optional: scripted failure
	err error
}

func (s *fakeSender) Send(ctx context.Context, msg domain.EmailMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	s.last = msg
	return s.err
}

func (s *fakeSender) Provider() string { return "test" }

func (s *fakeSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ---- Fake Idempotency Store ----

type fakeIdem struct {
	mu sync.Mutex

	state        map[string]string // "sending" or "sent"
	markCalls    int
	releaseCalls int
	lastTTL      time.Duration
	lastHold     time.Duration

	claimErr error
	markErr  error
}

func newFakeIdem() *fakeIdem {
	return &fakeIdem{state: map[string]string{}}
}

func (f *fakeIdem) Claim(ctx context.Context, key string, hold time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastHold = hold
	if f.claimErr != nil {
		return f.claimErr
	}
	switch f.state[key] {
	case "sent":
		return domain.ErrAlreadySent
	case "sending":
		return domain.ErrSendInProgress
	}
	f.state[key] = "sending"
	return nil
}

func (f *fakeIdem) MarkSent(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls++
	f.lastTTL = ttl
	if f.markErr != nil {
		return f.markErr
	}
	f.state[key] = "sent"
	return nil
}

func (f *fakeIdem) Release(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++
	if f.state[key] == "sending" {
		delete(f.state, key)
	}
	return nil
}

type permErr struct{}

func (permErr) Error() string   { return "550 no such user" }
func (permErr) Permanent() bool { return true }

type tempErr struct{}

func (tempErr) Error() string   { return "421 try later" }
func (tempErr) Permanent() bool { return false }
