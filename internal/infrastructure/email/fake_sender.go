package email

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/baechuer/booking-confirmation/internal/domain"
)

// Fail modes for FakeSender:
//   - "none" (default): always succeed
//   - "transient": return a Temporary() error (retriable)
//   - "permanent": return a Permanent() error (non-retriable)
const (
	FailNone      = "none"
	FailTransient = "transient"
	FailPermanent = "permanent"
)

// FakeSender logs instead of sending and remembers what it was asked to send.
type FakeSender struct {
	lg       zerolog.Logger
	failMode string

	mu   sync.Mutex
	sent []domain.EmailMessage
}

func NewFakeSender(failMode string, lg zerolog.Logger) *FakeSender {
	if failMode == "" {
		failMode = FailNone
	}
	return &FakeSender{
		lg:       lg.With().Str("component", "fake_sender").Logger(),
		failMode: failMode,
	}
}

func (s *FakeSender) Provider() string { return "fake" }

func (s *FakeSender) Send(ctx context.Context, msg domain.EmailMessage) error {
	if err := ctx.Err(); err != nil {
		return TemporaryError{msg: "fake send aborted: " + err.Error()}
	}

	switch s.failMode {
	case FailTransient:
		return TemporaryError{msg: fmt.Sprintf("fake transient failure (to=%s)", msg.To)}
	case FailPermanent:
		return PermanentError{msg: fmt.Sprintf("fake permanent failure (to=%s)", msg.To)}
	}

	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	s.lg.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("message_id", msg.MessageID).
		Msg("FAKE send email")
	return nil
}

// Sent returns a copy of every message accepted so far.
func (s *FakeSender) Sent() []domain.EmailMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EmailMessage, len(s.sent))
	copy(out, s.sent)
	return out
}
