package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/baechuer/booking-confirmation/internal/infrastructure/tracing"
)

const defaultPublishWait = 5 * time.Second

var errPublishTimeout = errors.New("publish wait timeout (no confirm)")

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	GetNextPublishSeqNo() uint64
}

// RetryPublisher moves deliveries to the retry or dead-letter queue with
// publisher confirms and mandatory routing. Publishes are serialized so each
// confirm can be matched to its message.
type RetryPublisher struct {
	mu   sync.Mutex
	ch   publishChannel
	topo Topology
	wait time.Duration
	lg   zerolog.Logger

	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return
}

func NewRetryPublisher(ch *amqp.Channel, topo Topology, wait time.Duration, lg zerolog.Logger) (*RetryPublisher, error) {
	if ch == nil {
		return nil, fmt.Errorf("nil channel")
	}
	if err := ch.Confirm(false); err != nil {
		return nil, &ChannelError{Err: fmt.Errorf("confirm mode: %w", err)}
	}

	// must be registered after Confirm
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 32))
	returns := ch.NotifyReturn(make(chan amqp.Return, 32))

	return newRetryPublisher(ch, confirms, returns, topo, wait, lg), nil
}

func newRetryPublisher(
	ch publishChannel,
	confirms <-chan amqp.Confirmation,
	returns <-chan amqp.Return,
	topo Topology,
	wait time.Duration,
	lg zerolog.Logger,
) *RetryPublisher {
	if wait <= 0 {
		wait = defaultPublishWait
	}
	return &RetryPublisher{
		ch:        ch,
		topo:      topo,
		wait:      wait,
		lg:        lg.With().Str("component", "retry_publisher").Logger(),
		confirmCh: confirms,
		returnCh:  returns,
	}
}

// PublishRetry parks orig on the retry queue. attempt is the attempt that
// just failed; the next delivery reads it back from x-attempt.
func (p *RetryPublisher) PublishRetry(ctx context.Context, orig amqp.Delivery, attempt int, cause error) error {
	h := failureHeaders(orig.Headers, attempt, cause)
	if err := p.publish(ctx, p.topo.RetryQueue(), orig, h); err != nil {
		return fmt.Errorf("publish retry: %w", err)
	}
	return nil
}

// PublishDeadLetter writes orig to the dead-letter queue with the reason
// and last error as headers.
func (p *RetryPublisher) PublishDeadLetter(ctx context.Context, orig amqp.Delivery, reason string, attempt int, cause error) error {
	h := failureHeaders(orig.Headers, attempt, cause)
	h[hdrDLQReason] = reason
	if err := p.publish(ctx, p.topo.DeadLetterQueue(), orig, h); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func (p *RetryPublisher) publish(ctx context.Context, queue string, orig amqp.Delivery, h amqp.Table) error {
	ctx, span := tracing.StartSpan(ctx, "rabbitmq.publish "+queue)
	defer span.End()
	tracing.Inject(ctx, headerCarrier(h))

	pub := amqp.Publishing{
		ContentType:   orig.ContentType,
		Body:          orig.Body,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
		Headers:       h,
		CorrelationId: orig.CorrelationId,
		MessageId:     orig.MessageId,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seq := p.ch.GetNextPublishSeqNo()
	// mandatory so an unroutable publish comes back instead of vanishing
	if err := p.ch.PublishWithContext(ctx, "", queue, true, false, pub); err != nil {
		span.RecordError(err)
		return err
	}
	if err := p.waitConfirm(ctx, seq, queue); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// waitConfirm blocks until the broker confirms seq. A Return for the message
// arrives before its confirm, so it is remembered and reported once the
// confirm shows up. Confirms for older publishes that timed out are skipped.
func (p *RetryPublisher) waitConfirm(ctx context.Context, seq uint64, queue string) error {
	timer := time.NewTimer(p.wait)
	defer timer.Stop()

	var returned *amqp.Return
	for {
		select {
		case r, ok := <-p.returnCh:
			if !ok {
				return &ChannelError{Err: amqp.ErrClosed}
			}
			if r.RoutingKey == queue {
				returned = &r
			}

		case c, ok := <-p.confirmCh:
			if !ok {
				return &ChannelError{Err: amqp.ErrClosed}
			}
			if c.DeliveryTag < seq {
				continue
			}
			if returned == nil {
				select {
				case r, ok := <-p.returnCh:
					if ok && r.RoutingKey == queue {
						returned = &r
					}
				default:
				}
			}
			if returned != nil {
				return fmt.Errorf("publish returned: reply=%d text=%q queue=%q",
					returned.ReplyCode, returned.ReplyText, queue)
			}
			if !c.Ack {
				return fmt.Errorf("publish nacked by broker (queue=%q)", queue)
			}
			return nil

		case <-timer.C:
			p.lg.Warn().Str("queue", queue).Uint64("seq", seq).Msg("no publisher confirm within wait window")
			return errPublishTimeout

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
