package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/baechuer/booking-confirmation/internal/contracts"
	"github.com/baechuer/booking-confirmation/internal/domain"
	"github.com/baechuer/booking-confirmation/internal/infrastructure/metrics"
	appctx "github.com/baechuer/booking-confirmation/internal/pkg/context"
	"github.com/baechuer/booking-confirmation/internal/pkg/circuitbreaker"
)

const (
	maxResponseBytes = 64 << 10
	breakerName      = "user_directory"
)

type DirectoryConfig struct {
	BaseURL string
	Timeout time.Duration

	// BreakerMaxFailures <= 0 disables the circuit breaker.
	BreakerMaxFailures int
	BreakerReset       time.Duration

	// Transport defaults to http.DefaultTransport; it is always wrapped
	// with otelhttp.
	Transport http.RoundTripper
}

// DirectoryClient fetches user records from the user directory service.
// It never retries; callers decide what a failure means.
type DirectoryClient struct {
	baseURL  string
	timeout  time.Duration
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	validate *validator.Validate
	lg       zerolog.Logger
}

type userPayload struct {
	ID       contracts.OpaqueID `json:"id" validate:"required"`
	Username string             `json:"username"`
	Email    string             `json:"email" validate:"required,email"`
}

func NewDirectoryClient(cfg DirectoryConfig, lg zerolog.Logger) *DirectoryClient {
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	c := &DirectoryClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		client: &http.Client{
			// per-call timeout comes from the request context
			Transport: otelhttp.NewTransport(base),
		},
		validate: validator.New(),
		lg:       lg.With().Str("component", "directory_client").Logger(),
	}

	if cfg.BreakerMaxFailures > 0 {
		c.breaker = circuitbreaker.New(cfg.BreakerMaxFailures, cfg.BreakerReset, 1,
			circuitbreaker.WithFailurePredicate(func(err error) bool {
				return errors.Is(err, domain.ErrDirectoryUnavailable)
			}),
			circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
				metrics.SetBreakerOpen(breakerName, to != circuitbreaker.StateClosed)
				c.lg.Warn().Str("from", from.String()).Str("to", to.String()).Msg("user directory circuit breaker state changed")
			}),
		)
	}
	return c
}

// FetchUser returns the user record for userID.
//
// Errors wrap one of domain.ErrUserNotFound, domain.ErrDirectoryUnavailable
// or domain.ErrInvalidUserRecord.
func (c *DirectoryClient) FetchUser(ctx context.Context, userID string) (domain.UserRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.UserRecord{}, fmt.Errorf("%w: empty user id", domain.ErrUserNotFound)
	}

	start := time.Now()

	var rec domain.UserRecord
	call := func(ctx context.Context) error {
		var err error
		rec, err = c.fetch(ctx, userID)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, call)
	} else {
		err = call(ctx)
	}
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrHalfOpenLimit) {
		err = fmt.Errorf("%w: %v", domain.ErrDirectoryUnavailable, err)
	}

	took := time.Since(start)
	metrics.RecordLookup(lookupResult(err), took)

	if err != nil {
		c.lg.Debug().Err(err).
			Str("user_id", userID).
			Str("message_id", appctx.GetMessageID(ctx)).
			Int("attempt", appctx.GetAttempt(ctx)).
			Dur("took", took).
			Msg("user lookup failed")
		return domain.UserRecord{}, err
	}
	return rec, nil
}

func (c *DirectoryClient) fetch(ctx context.Context, userID string) (domain.UserRecord, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target := fmt.Sprintf("%s/users/%s", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return domain.UserRecord{}, fmt.Errorf("%w: build request: %v", domain.ErrDirectoryUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if id := appctx.GetMessageID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.UserRecord{}, fmt.Errorf("%w: %v", domain.ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return domain.UserRecord{}, fmt.Errorf("%w: %s", domain.ErrUserNotFound, userID)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return domain.UserRecord{}, fmt.Errorf("%w: directory returned %d", domain.ErrDirectoryUnavailable, resp.StatusCode)
	default:
		return domain.UserRecord{}, fmt.Errorf("%w: directory returned %d", domain.ErrInvalidUserRecord, resp.StatusCode)
	}

	var p userPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&p); err != nil {
		return domain.UserRecord{}, fmt.Errorf("%w: decode: %v", domain.ErrInvalidUserRecord, err)
	}
	p.Email = strings.TrimSpace(p.Email)
	if err := c.validate.Struct(p); err != nil {
		return domain.UserRecord{}, fmt.Errorf("%w: %v", domain.ErrInvalidUserRecord, err)
	}

	return domain.UserRecord{
		ID:       p.ID.String(),
		Username: strings.TrimSpace(p.Username),
		Email:    p.Email,
	}, nil
}

func lookupResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrUserNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidUserRecord):
		return "invalid"
	default:
		return "unavailable"
	}
}
