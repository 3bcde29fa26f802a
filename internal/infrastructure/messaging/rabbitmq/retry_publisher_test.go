package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange  string
	key       string
	mandatory bool
	msg       amqp.Publishing
}

// fakeChannel answers each publish through the confirm/return channels the
// way a broker in confirm mode would.
type fakeChannel struct {
	mu      sync.Mutex
	seq     uint64
	pubs    []published
	confirm chan amqp.Confirmation
	ret     chan amqp.Return

	publishErr error
	respond    func(ch *fakeChannel, seq uint64, key string)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		seq:     1,
		confirm: make(chan amqp.Confirmation, 8),
		ret:     make(chan amqp.Return, 8),
		respond: func(ch *fakeChannel, seq uint64, key string) {
			ch.confirm <- amqp.Confirmation{DeliveryTag: seq, Ack: true}
		},
	}
}

func (f *fakeChannel) GetNextPublishSeqNo() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	if f.publishErr != nil {
		f.mu.Unlock()
		return f.publishErr
	}
	seq := f.seq
	f.seq++
	f.pubs = append(f.pubs, published{exchange: exchange, key: key, mandatory: mandatory, msg: msg})
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		respond(f, seq, key)
	}
	return nil
}

func (f *fakeChannel) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.pubs...)
}

func newTestPublisher(ch *fakeChannel, wait time.Duration) *RetryPublisher {
	return newRetryPublisher(ch, ch.confirm, ch.ret, Topology{Queue: "booking_queue"}, wait, zerolog.Nop())
}

func testDelivery() amqp.Delivery {
	return amqp.Delivery{
		MessageId:     "m1",
		CorrelationId: "c1",
		ContentType:   "application/json",
		Body:          []byte(`{"user_id":"u1"}`),
		Headers:       amqp.Table{"x-custom": "keep"},
	}
}

func TestPublishRetry(t *testing.T) {
	ch := newFakeChannel()
	p := newTestPublisher(ch, time.Second)

	err := p.PublishRetry(context.Background(), testDelivery(), 2, errors.New("directory down"))
	require.NoError(t, err)

	pubs := ch.published()
	require.Len(t, pubs, 1)
	assert.Equal(t, "", pubs[0].exchange)
	assert.Equal(t, "booking_queue.retry", pubs[0].key)
	assert.True(t, pubs[0].mandatory)

	msg := pubs[0].msg
	assert.Equal(t, "m1", msg.MessageId)
	assert.Equal(t, "c1", msg.CorrelationId)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, []byte(`{"user_id":"u1"}`), msg.Body)
	assert.Equal(t, int64(2), msg.Headers[hdrAttempt])
	assert.Equal(t, "directory down", msg.Headers[hdrError])
	assert.Equal(t, "keep", msg.Headers["x-custom"])
	assert.NotContains(t, msg.Headers, hdrDLQReason)
}

func TestPublishDeadLetter(t *testing.T) {
	ch := newFakeChannel()
	p := newTestPublisher(ch, time.Second)

	err := p.PublishDeadLetter(context.Background(), testDelivery(), "user_not_found", 1, errors.New("no such user"))
	require.NoError(t, err)

	pubs := ch.published()
	require.Len(t, pubs, 1)
	assert.Equal(t, "booking_queue.dlq", pubs[0].key)
	assert.Equal(t, "user_not_found", pubs[0].msg.Headers[hdrDLQReason])
	assert.Equal(t, int64(1), pubs[0].msg.Headers[hdrAttempt])
}

func TestPublish_Nacked(t *testing.T) {
	ch := newFakeChannel()
	ch.respond = func(ch *fakeChannel, seq uint64, key string) {
		ch.confirm <- amqp.Confirmation{DeliveryTag: seq, Ack: false}
	}
	p := newTestPublisher(ch, time.Second)

	err := p.PublishRetry(context.Background(), testDelivery(), 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nacked")
}

func TestPublish_ReturnedThenAcked(t *testing.T) {
	ch := newFakeChannel()
	ch.respond = func(ch *fakeChannel, seq uint64, key string) {
		ch.ret <- amqp.Return{ReplyCode: 312, ReplyText: "NO_ROUTE", RoutingKey: key}
		ch.confirm <- amqp.Confirmation{DeliveryTag: seq, Ack: true}
	}
	p := newTestPublisher(ch, time.Second)

	err := p.PublishDeadLetter(context.Background(), testDelivery(), "decode_error", 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NO_ROUTE")

	// the confirm was consumed with the return, so the next publish is clean
	ch.respond = newFakeChannel().respond
	require.NoError(t, p.PublishRetry(context.Background(), testDelivery(), 1, nil))
}

func TestPublish_SkipsStaleConfirms(t *testing.T) {
	ch := newFakeChannel()
	ch.respond = func(ch *fakeChannel, seq uint64, key string) {
		ch.confirm <- amqp.Confirmation{DeliveryTag: seq - 1, Ack: false}
		ch.confirm <- amqp.Confirmation{DeliveryTag: seq, Ack: true}
	}
	ch.seq = 5
	p := newTestPublisher(ch, time.Second)

	require.NoError(t, p.PublishRetry(context.Background(), testDelivery(), 1, nil))
}

func TestPublish_Timeout(t *testing.T) {
	ch := newFakeChannel()
	ch.respond = nil
	p := newTestPublisher(ch, 20*time.Millisecond)

	err := p.PublishRetry(context.Background(), testDelivery(), 1, nil)
	assert.ErrorIs(t, err, errPublishTimeout)
}

func TestPublish_ChannelError(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = amqp.ErrClosed
	p := newTestPublisher(ch, time.Second)

	err := p.PublishRetry(context.Background(), testDelivery(), 1, nil)
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestPublish_ContextCancelled(t *testing.T) {
	ch := newFakeChannel()
	ch.respond = nil
	p := newTestPublisher(ch, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.PublishRetry(ctx, testDelivery(), 1, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublish_Concurrent(t *testing.T) {
	ch := newFakeChannel()
	p := newTestPublisher(ch, time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.PublishRetry(context.Background(), testDelivery(), 1, nil)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, ch.published(), 20)
}
