package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/baechuer/booking-confirmation/internal/contracts"
	"github.com/baechuer/booking-confirmation/internal/domain"
	"github.com/baechuer/booking-confirmation/internal/infrastructure/tracing"
)

// UserLookup resolves a user id to contact data.
type UserLookup interface {
	FetchUser(ctx context.Context, userID string) (domain.UserRecord, error)
}

// Dispatcher sends one notification and reports the result.
type Dispatcher interface {
	Send(ctx context.Context, req domain.NotificationRequest) domain.DispatchResult
}

type Config struct {
	// MaxRedeliveries is how many retries a message gets after its first
	// attempt before it is dead-lettered.
	MaxRedeliveries int
	// CallTimeout bounds each downstream call.
	CallTimeout time.Duration
}

// Processor turns a raw booking confirmation into a disposition. It talks to
// the directory and the dispatcher but never to the broker.
type Processor struct {
	lookup   UserLookup
	dispatch Dispatcher
	cfg      Config
	lg       zerolog.Logger
}

func NewProcessor(lookup UserLookup, dispatch Dispatcher, cfg Config, lg zerolog.Logger) *Processor {
	if cfg.MaxRedeliveries < 0 {
		cfg.MaxRedeliveries = 0
	}
	return &Processor{
		lookup:   lookup,
		dispatch: dispatch,
		cfg:      cfg,
		lg:       lg.With().Str("component", "confirm_processor").Logger(),
	}
}

func (p *Processor) Process(ctx context.Context, msg Message) Outcome {
	if msg.Attempt < 1 {
		msg.Attempt = 1
	}
	if msg.ID == "" {
		msg.ID = MessageIdentity("", msg.Body)
	}

	ctx, span := tracing.StartSpan(ctx, "confirm.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.message.id", msg.ID),
		attribute.Int("confirm.attempt", msg.Attempt),
	)

	out := p.process(ctx, msg)

	span.SetAttributes(attribute.String("confirm.disposition", string(out.Disposition)))
	if out.Err != nil {
		span.RecordError(out.Err)
		if out.Disposition != Acked {
			span.SetStatus(codes.Error, out.Reason)
		}
	}
	return out
}

func (p *Processor) process(ctx context.Context, msg Message) Outcome {
	out := Outcome{State: StateReceived, Attempt: msg.Attempt}
	lg := p.lg.With().Str("message_id", msg.ID).Int("attempt", msg.Attempt).Logger()

	evt, err := contracts.DecodeBookingConfirmation(msg.Body)
	if err != nil {
		return deadLetter(out, ReasonDecode, fmt.Errorf("%w: %w", ErrDecode, err))
	}

	out.State = StateEnriching
	user, err := p.fetchUser(ctx, evt.UserID.String())
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUserNotFound):
			return deadLetter(out, ReasonUserNotFound, err)
		case errors.Is(err, domain.ErrInvalidUserRecord):
			return p.retryOrDeadLetter(out, msg, ReasonLookupInvalid, err)
		default:
			return p.retryOrDeadLetter(out, msg, ReasonLookupUnavailable, err)
		}
	}

	token := evt.StableToken()
	if token == "" {
		token = msg.ID
		if strings.HasPrefix(msg.ID, contentHashPrefix) {
			// identical bookings collapse into one key for the idempotency TTL
			lg.Warn().Msg("no idempotency_key, booking_id or message id; deduplicating on message content")
		}
	}
	req := domain.NotificationRequest{
		Email:          user.Email,
		Username:       user.Username,
		Kind:           domain.KindBookingConfirmation,
		Tickets:        evt.Tickets,
		Amount:         evt.AmountValue(),
		UserID:         evt.UserID.String(),
		EventID:        evt.EventID.String(),
		IdempotencyKey: domain.IdempotencyKey(evt.UserID.String(), evt.EventID.String(), token),
	}

	out.State = StateDispatching
	res := p.send(ctx, req)
	if res.OK() {
		lg.Debug().Bool("duplicate", res.Duplicate).Msg("notification dispatched")
		out.Disposition = Acked
		out.State = StateAcked
		out.Duplicate = res.Duplicate
		return out
	}

	dispatchErr := fmt.Errorf("%w: %s", ErrDispatchFailed, res.Reason)
	if res.Permanent {
		return deadLetter(out, ReasonDispatchRejected, dispatchErr)
	}
	return p.retryOrDeadLetter(out, msg, ReasonDispatchFailed, dispatchErr)
}

func (p *Processor) fetchUser(ctx context.Context, userID string) (domain.UserRecord, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "confirm.lookup_user")
	defer span.End()

	rec, err := p.lookup.FetchUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
	}
	return rec, err
}

func (p *Processor) send(ctx context.Context, req domain.NotificationRequest) domain.DispatchResult {
	ctx, cancel := p.callContext(ctx)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "confirm.dispatch")
	defer span.End()

	res := p.dispatch.Send(ctx, req)
	span.SetAttributes(
		attribute.String("dispatch.status", string(res.Status)),
		attribute.Bool("dispatch.duplicate", res.Duplicate),
	)
	return res
}

func (p *Processor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.CallTimeout)
}

// retryOrDeadLetter handles a transient failure. Attempt n has seen n-1
// earlier failures, so the message is retried while n <= MaxRedeliveries.
func (p *Processor) retryOrDeadLetter(out Outcome, msg Message, reason string, cause error) Outcome {
	if msg.Attempt > p.cfg.MaxRedeliveries {
		return deadLetter(out, ReasonRedeliveryExceeded,
			fmt.Errorf("%w after %d attempts (%s): %w", ErrRedeliveryExceeded, msg.Attempt, reason, cause))
	}
	out.Disposition = RequeuedForRetry
	out.State = StateRetrying
	out.Reason = reason
	out.Err = cause
	return out
}

func deadLetter(out Outcome, reason string, cause error) Outcome {
	out.Disposition = DeadLettered
	out.State = StateDeadLettered
	out.Reason = reason
	out.Err = cause
	return out
}
