package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/baechuer/booking-confirmation/internal/application/confirm"
	"github.com/baechuer/booking-confirmation/internal/infrastructure/metrics"
	"github.com/baechuer/booking-confirmation/internal/infrastructure/tracing"
	appctx "github.com/baechuer/booking-confirmation/internal/pkg/context"
)

const (
	StrategyRepublish = "republish"
	StrategyRequeue   = "requeue"
)

// Processor decides what happens to one message.
type Processor interface {
	Process(ctx context.Context, msg confirm.Message) confirm.Outcome
}

// Publisher moves a delivery to the retry or dead-letter queue.
type Publisher interface {
	PublishRetry(ctx context.Context, orig amqp.Delivery, attempt int, cause error) error
	PublishDeadLetter(ctx context.Context, orig amqp.Delivery, reason string, attempt int, cause error) error
}

// AttemptCounter tracks failures for messages that are requeued in place and
// therefore cannot carry an attempt header.
type AttemptCounter interface {
	Failures(ctx context.Context, id string) (int, error)
	RecordFailure(ctx context.Context, id string) (int, error)
	Clear(ctx context.Context, id string) error
}

type Config struct {
	URL            string
	Queue          string
	ConsumerTag    string
	ConnectionName string
	Prefetch       int
	Workers        int
	Heartbeat      time.Duration

	RetryStrategy string
	RetryDelay    time.Duration
	PublishWait   time.Duration
	ShutdownWait  time.Duration

	Reconnect ReconnectConfig
}

type Consumer struct {
	cfg     Config
	topo    Topology
	proc    Processor
	counter AttemptCounter
	lg      zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopping bool
	state    string
	doneCh   chan struct{}
	cancel   context.CancelFunc

	// AMQP resources
	conn      *amqp.Connection
	chConsume *amqp.Channel
	chPublish *amqp.Channel
	pub       Publisher
	// gen changes whenever the connection is replaced or closed
	gen uint64

	pool       *WorkerPool
	workCtx    context.Context
	workCancel context.CancelFunc

	// acks on one channel go out one at a time
	ackMu sync.Mutex

	fatal chan error
}

func NewConsumer(cfg Config, proc Processor, counter AttemptCounter, lg zerolog.Logger) *Consumer {
	if cfg.RetryStrategy == "" {
		cfg.RetryStrategy = StrategyRepublish
	}
	if cfg.Workers <= 0 {
		cfg.Workers = max(cfg.Prefetch, 1)
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = 10 * time.Second
	}
	workCtx, workCancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:        cfg,
		topo:       Topology{Queue: cfg.Queue, RetryDelay: cfg.RetryDelay},
		proc:       proc,
		counter:    counter,
		lg:         lg.With().Str("component", "rabbitmq_consumer").Str("queue", cfg.Queue).Logger(),
		state:      metrics.ConnDisconnected,
		workCtx:    workCtx,
		workCancel: workCancel,
		fatal:      make(chan error, 1),
	}
}

// Start launches the connection supervisor and returns immediately.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if c.proc == nil {
		return fmt.Errorf("nil processor")
	}
	if c.cfg.RetryStrategy == StrategyRequeue && c.counter == nil {
		return fmt.Errorf("retry strategy %q needs an attempt counter", StrategyRequeue)
	}

	if c.workCtx.Err() != nil {
		c.workCtx, c.workCancel = context.WithCancel(context.Background())
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.pool = NewWorkerPool(c.cfg.Workers)
	c.doneCh = make(chan struct{})
	c.running = true
	c.stopping = false
	go c.run(runCtx, c.doneCh)
	return nil
}

// Fatal delivers an error when the consumer gives up for good: the
// reconnect budget ran out or a queue conflicts with its declaration.
func (c *Consumer) Fatal() <-chan error { return c.fatal }

func (c *Consumer) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Check reports whether the consumer is attached to the broker.
func (c *Consumer) Check(ctx context.Context) error {
	if s := c.State(); s != metrics.ConnConnected {
		return fmt.Errorf("broker %s", s)
	}
	return nil
}

// Stop cancels the subscription, waits for in-flight messages to settle
// for up to ShutdownWait, and then closes the connection. Unsettled
// messages go back to the queue when the channel closes.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	chConsume := c.chConsume
	doneCh := c.doneCh
	cancel := c.cancel
	pool := c.pool
	c.mu.Unlock()

	if chConsume != nil {
		if err := chConsume.Cancel(c.cfg.ConsumerTag, false); err != nil {
			c.lg.Warn().Err(err).Msg("basic.cancel failed")
		}
	}
	cancel()

	var stopErr error
	select {
	case <-doneCh:
	case <-ctx.Done():
		stopErr = ctx.Err()
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, c.cfg.ShutdownWait)
	defer drainCancel()
	if err := pool.Wait(drainCtx); err != nil {
		c.lg.Warn().Err(err).Msg("in-flight messages did not finish in time; cancelling")
		c.workCancel()
		if err := pool.Wait(ctx); err != nil && stopErr == nil {
			stopErr = err
		}
	}
	c.workCancel()

	c.closeConn()
	c.setState(metrics.ConnDisconnected)

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.lg.Info().Msg("consumer stopped")
	return stopErr
}

func (c *Consumer) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

func (c *Consumer) run(ctx context.Context, doneCh chan struct{}) {
	defer close(doneCh)

	bo := newReconnectBackoff(c.cfg.Reconnect)

	for {
		if ctx.Err() != nil || c.isStopping() {
			c.lg.Info().Msg("consumer supervisor exiting")
			return
		}

		c.setState(metrics.ConnConnecting)
		closed, deliveries, err := c.connectAndDeclare()
		if err == nil {
			bo.Reset()
			c.setState(metrics.ConnConnected)
			err = c.consumeLoop(ctx, deliveries, closed)
			if ctx.Err() != nil || c.isStopping() {
				return
			}
			c.closeConn()
		}

		var conflict *QueueConflictError
		if errors.As(err, &conflict) {
			c.closeConn()
			c.giveUp(err)
			c.lg.Error().Err(err).Msg("FATAL: queue declaration conflicts with the broker. Fix or delete the queue, then restart.")
			return
		}

		c.setState(metrics.ConnDisconnected)
		wait, ok := bo.Next()
		if !ok {
			c.giveUp(fmt.Errorf("%w: gave up after %d reconnect attempts: %w", ErrConnectionLost, bo.Attempts(), err))
			return
		}
		metrics.RecordReconnect()
		c.lg.Warn().Err(err).
			Int("attempt", bo.Attempts()).
			Dur("backoff", wait).
			Msg("broker unavailable; reconnecting")

		if !sleepOrDone(ctx, wait) {
			return
		}
	}
}

func (c *Consumer) giveUp(err error) {
	c.setState(metrics.ConnGaveUp)
	c.lg.Error().Err(err).Msg("consumer giving up")
	select {
	case c.fatal <- err:
	default:
	}
}

func (c *Consumer) setState(state string) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()

	metrics.SetConnectionState(state)
	if prev != state {
		c.lg.Info().Str("from", prev).Str("to", state).Msg("broker connection state changed")
	}
}

func (c *Consumer) connectAndDeclare() (<-chan *amqp.Error, <-chan amqp.Delivery, error) {
	c.closeConn()

	conn, err := Dial(c.cfg.URL, DialOptions{
		Heartbeat:      c.cfg.Heartbeat,
		ConnectionName: c.cfg.ConnectionName,
	})
	if err != nil {
		return nil, nil, err
	}

	chConsume, err := OpenChannel(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	chPublish, err := OpenChannel(conn)
	if err != nil {
		c.closeAll(conn, chConsume, nil)
		return nil, nil, err
	}

	if err := c.topo.Declare(chConsume, c.cfg.RetryStrategy == StrategyRepublish); err != nil {
		c.closeAll(conn, chConsume, chPublish)
		return nil, nil, err
	}

	if c.cfg.Prefetch > 0 {
		if err := chConsume.Qos(c.cfg.Prefetch, 0, false); err != nil {
			c.closeAll(conn, chConsume, chPublish)
			return nil, nil, &ChannelError{Err: fmt.Errorf("qos: %w", err)}
		}
	}

	pub, err := NewRetryPublisher(chPublish, c.topo, c.cfg.PublishWait, c.lg)
	if err != nil {
		c.closeAll(conn, chConsume, chPublish)
		return nil, nil, err
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	dlv, err := chConsume.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		c.closeAll(conn, chConsume, chPublish)
		return nil, nil, &ChannelError{Err: fmt.Errorf("consume: %w", err)}
	}

	c.attach(conn, chConsume, chPublish, pub)

	c.lg.Info().
		Int("prefetch", c.cfg.Prefetch).
		Int("workers", c.cfg.Workers).
		Str("retry_strategy", c.cfg.RetryStrategy).
		Msg("rabbitmq consumer ready")

	return closed, dlv, nil
}

// consumeLoop hands deliveries to the worker pool until the subscription
// ends. It returns the reason the connection went away.
func (c *Consumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case aerr, ok := <-closed:
			if !ok || aerr == nil {
				return ErrConnectionLost
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, aerr)

		case d, ok := <-deliveries:
			if !ok {
				return ErrConnectionLost
			}
			s := c.current()
			if !c.pool.Submit(ctx, func() { c.handle(c.workCtx, s, d) }) {
				// left unacked; the broker redelivers it
				return ctx.Err()
			}
		}
	}
}

// session is the connection a delivery arrived on. Its publisher and
// delivery tags are only valid while gen is current.
type session struct {
	gen uint64
	pub Publisher
}

func (c *Consumer) attach(conn *amqp.Connection, chConsume, chPublish *amqp.Channel, pub Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.chConsume = chConsume
	c.chPublish = chPublish
	c.pub = pub
	c.gen++
}

func (c *Consumer) current() session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return session{gen: c.gen, pub: c.pub}
}

func (c *Consumer) isCurrent(s session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == s.gen
}

// handle runs one delivery through the processor and settles it on the
// session it arrived on.
func (c *Consumer) handle(ctx context.Context, s session, d amqp.Delivery) {
	start := time.Now()

	id := confirm.MessageIdentity(d.MessageId, d.Body)
	ctx = tracing.Extract(ctx, headerCarrier(d.Headers))
	ctx = appctx.WithMessageID(ctx, id)

	attempt := c.priorFailures(ctx, d, id) + 1
	ctx = appctx.WithAttempt(ctx, attempt)

	out := c.proc.Process(ctx, confirm.Message{ID: id, Body: d.Body, Attempt: attempt})

	if c.workCtx.Err() != nil {
		// shutdown cut the work short; let the broker redeliver
		c.nack(d, true)
		c.lg.Warn().Str("message_id", id).Msg("processing interrupted by shutdown; requeued")
		return
	}

	if !c.settle(ctx, s, d, id, out) {
		return
	}

	took := time.Since(start)
	metrics.RecordDisposition(string(out.Disposition), out.Reason, took)

	evt := c.lg.Info()
	switch out.Disposition {
	case confirm.RequeuedForRetry:
		evt = c.lg.Warn()
	case confirm.DeadLettered:
		evt = c.lg.Error()
	}
	if out.Err != nil {
		evt = evt.Err(out.Err)
	}
	evt.Str("message_id", id).
		Int("attempt", out.Attempt).
		Str("disposition", string(out.Disposition)).
		Str("reason", out.Reason).
		Bool("duplicate", out.Duplicate).
		Bool("redelivered", d.Redelivered).
		Dur("took", took).
		Msg("message settled")
}

func (c *Consumer) priorFailures(ctx context.Context, d amqp.Delivery, id string) int {
	prior := getAttempt(d.Headers)
	if c.counter == nil {
		return prior
	}
	n, err := c.counter.Failures(ctx, id)
	if err != nil {
		c.lg.Warn().Err(err).Str("message_id", id).Msg("attempt counter unavailable")
		return prior
	}
	return max(prior, n)
}

// settle applies the outcome. It reports false when the delivery's
// connection is gone: its tag is dead and the broker has already requeued
// the message, so nothing is published or acknowledged for it.
func (c *Consumer) settle(ctx context.Context, s session, d amqp.Delivery, id string, out confirm.Outcome) bool {
	if !c.isCurrent(s) {
		metrics.RecordStaleDelivery()
		c.lg.Warn().
			Str("message_id", id).
			Str("disposition", string(out.Disposition)).
			Uint64("delivery_tag", d.DeliveryTag).
			Msg("connection replaced while processing; leaving message to broker redelivery")
		return false
	}
	pub := s.pub
	if pub == nil {
		pub = closedPublisher{}
	}

	switch out.Disposition {
	case confirm.Acked:
		c.clearAttempts(ctx, id)
		c.ack(d)

	case confirm.DeadLettered:
		if err := pub.PublishDeadLetter(ctx, d, out.Reason, out.Attempt, out.Err); err != nil {
			metrics.RecordPublishFailure("dead_letter")
			c.lg.Error().Err(err).Str("message_id", id).Msg("dead-letter publish failed; requeueing")
			c.nack(d, true)
			return true
		}
		c.clearAttempts(ctx, id)
		c.ack(d)

	case confirm.RequeuedForRetry:
		if c.cfg.RetryStrategy == StrategyRequeue {
			if _, err := c.counter.RecordFailure(ctx, id); err != nil {
				c.lg.Warn().Err(err).Str("message_id", id).Msg("could not record failure")
			}
			c.nack(d, true)
			return true
		}
		if err := pub.PublishRetry(ctx, d, out.Attempt, out.Err); err != nil {
			metrics.RecordPublishFailure("retry")
			c.lg.Warn().Err(err).Str("message_id", id).Msg("retry publish failed; requeueing")
			c.nack(d, true)
			return true
		}
		c.ack(d)

	default:
		c.lg.Error().Str("disposition", string(out.Disposition)).Msg("unknown disposition; requeueing")
		c.nack(d, true)
	}
	return true
}

func (c *Consumer) clearAttempts(ctx context.Context, id string) {
	if c.counter == nil {
		return
	}
	if err := c.counter.Clear(ctx, id); err != nil {
		c.lg.Warn().Err(err).Str("message_id", id).Msg("could not clear attempt counter")
	}
}

func (c *Consumer) ack(d amqp.Delivery) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	if err := d.Ack(false); err != nil {
		c.lg.Warn().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("ack failed")
	}
}

func (c *Consumer) nack(d amqp.Delivery, requeue bool) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	if err := d.Nack(false, requeue); err != nil {
		c.lg.Warn().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("nack failed")
	}
}

type closedPublisher struct{}

func (closedPublisher) PublishRetry(context.Context, amqp.Delivery, int, error) error {
	return &ChannelError{Err: amqp.ErrClosed}
}

func (closedPublisher) PublishDeadLetter(context.Context, amqp.Delivery, string, int, error) error {
	return &ChannelError{Err: amqp.ErrClosed}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Consumer) closeAll(conn *amqp.Connection, a *amqp.Channel, b *amqp.Channel) {
	if b != nil {
		_ = b.Close()
	}
	if a != nil {
		_ = a.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Consumer) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeAll(c.conn, c.chConsume, c.chPublish)
	c.conn = nil
	c.chConsume = nil
	c.chPublish = nil
	c.pub = nil
	c.gen++
}
