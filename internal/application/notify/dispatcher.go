package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/booking-confirmation/internal/domain"
	"github.com/baechuer/booking-confirmation/internal/infrastructure/metrics"
	appctx "github.com/baechuer/booking-confirmation/internal/pkg/context"
)

// Sender is the email transport.
type Sender interface {
	Send(ctx context.Context, msg domain.EmailMessage) error
	Provider() string
}

// IdempotencyStore lets one worker at a time send for a key.
type IdempotencyStore interface {
	// Claim reserves key for hold. It fails with domain.ErrAlreadySent once
	// the key is marked sent and domain.ErrSendInProgress while another
	// claim is live.
	Claim(ctx context.Context, key string, hold time.Duration) error
	// MarkSent turns the claim into a sent marker kept for ttl.
	MarkSent(ctx context.Context, key string, ttl time.Duration) error
	// Release drops a claim that did not end in a send.
	Release(ctx context.Context, key string) error
}

const (
	defaultClaimTTL = 2 * time.Minute
	storeTimeout    = 2 * time.Second
)

type permanentMarker interface{ Permanent() bool }

// Failure reasons reported in domain.DispatchResult.
const (
	ReasonMissingRecipient       = "missing_recipient"
	ReasonUnsupportedKind        = "unsupported_kind"
	ReasonRenderFailed           = "render_failed"
	ReasonIdempotencyUnavailable = "idempotency_unavailable"
	ReasonSendInProgress         = "send_in_progress"
	ReasonTransportRejected      = "transport_rejected"
	ReasonTransportFailed        = "transport_failed"
)

type Dispatcher struct {
	sender          Sender
	idem            IdempotencyStore // nil => disabled
	ttl             time.Duration
	claimTTL        time.Duration
	messageIDDomain string
	lg              zerolog.Logger
}

type Config struct {
	TTL time.Duration
	// ClaimTTL bounds how long a crashed send blocks its key. It must outlast
	// one transport call.
	ClaimTTL time.Duration
	// MessageIDDomain is the right-hand side of generated Message-IDs.
	MessageIDDomain string
}

func NewDispatcher(sender Sender, idem IdempotencyStore, cfg Config, lg zerolog.Logger) *Dispatcher {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = defaultClaimTTL
	}
	return &Dispatcher{
		sender:          sender,
		idem:            idem,
		ttl:             cfg.TTL,
		claimTTL:        cfg.ClaimTTL,
		messageIDDomain: cfg.MessageIDDomain,
		lg:              lg.With().Str("component", "notify_dispatcher").Logger(),
	}
}

// Send delivers one notification. It reports every failure in the result
// and never returns an error.
//
// A request whose idempotency key is already marked sent is reported as Sent
// with Duplicate set, without touching the transport. A key claimed by a
// concurrent send is a retryable failure.
func (d *Dispatcher) Send(ctx context.Context, req domain.NotificationRequest) domain.DispatchResult {
	lg := d.lg.With().
		Str("message_id", appctx.GetMessageID(ctx)).
		Str("user_id", req.UserID).
		Str("event_id", req.EventID).
		Str("key", req.IdempotencyKey).
		Logger()

	if req.Kind != domain.KindBookingConfirmation {
		return domain.Failed(ReasonUnsupportedKind, true)
	}
	if req.Email == "" {
		return domain.Failed(ReasonMissingRecipient, true)
	}

	msg, err := render(req, d.messageIDDomain)
	if err != nil {
		lg.Error().Err(err).Msg("render failed")
		return domain.Failed(ReasonRenderFailed, true)
	}

	claimed := d.idem != nil && req.IdempotencyKey != ""
	if claimed {
		if err := d.idem.Claim(ctx, req.IdempotencyKey, d.claimTTL); err != nil {
			switch {
			case errors.Is(err, domain.ErrAlreadySent):
				metrics.RecordIdempotencyHit()
				lg.Info().Msg("idempotent skip (already sent)")
				r := domain.Sent()
				r.Duplicate = true
				return r
			case errors.Is(err, domain.ErrSendInProgress):
				lg.Info().Msg("another worker is sending this notification")
				return domain.Failed(ReasonSendInProgress, false)
			default:
				lg.Warn().Err(err).Msg("idempotency claim failed")
				return domain.Failed(ReasonIdempotencyUnavailable, false)
			}
		}
	}

	start := time.Now()
	err = d.sender.Send(ctx, msg)
	took := time.Since(start)

	if err != nil {
		if claimed {
			d.release(ctx, req.IdempotencyKey, lg)
		}
		if isPermanent(err) {
			metrics.RecordDispatch(d.sender.Provider(), "failed_permanent", took)
			lg.Error().Err(err).Msg("notification rejected by transport")
			return domain.Failed(ReasonTransportRejected+": "+err.Error(), true)
		}
		metrics.RecordDispatch(d.sender.Provider(), "failed_transient", took)
		lg.Warn().Err(err).Msg("notification send failed")
		return domain.Failed(ReasonTransportFailed+": "+err.Error(), false)
	}
	metrics.RecordDispatch(d.sender.Provider(), "sent", took)

	if claimed {
		mctx, cancel := detached(ctx)
		e := d.idem.MarkSent(mctx, req.IdempotencyKey, d.ttl)
		cancel()
		if e != nil {
			// the claim still blocks resends until ClaimTTL runs out
			lg.Warn().Err(e).Msg("idempotency mark failed (send already succeeded)")
		}
	}

	lg.Info().Str("to", req.Email).Int("tickets", req.Tickets).Dur("took", took).Msg("booking confirmation sent")
	return domain.Sent()
}

func (d *Dispatcher) release(ctx context.Context, key string, lg zerolog.Logger) {
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := d.idem.Release(ctx, key); err != nil {
		lg.Warn().Err(err).Msg("idempotency release failed; key stays blocked until the claim expires")
	}
}

// detached outlives a call timeout that fired during the send.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

func isPermanent(err error) bool {
	var pm permanentMarker
	return errors.As(err, &pm) && pm.Permanent()
}
