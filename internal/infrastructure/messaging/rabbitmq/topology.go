package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology is the set of queues the consumer owns. Everything lives on the
// default exchange, so a queue name doubles as its routing key.
//
//	<queue>        main queue, declared without arguments so producers that
//	               declare it plainly do not conflict
//	<queue>.retry  TTL parking queue that dead-letters back into <queue>
//	<queue>.dlq    terminal records
type Topology struct {
	Queue      string
	RetryDelay time.Duration
}

func (t Topology) RetryQueue() string      { return t.Queue + ".retry" }
func (t Topology) DeadLetterQueue() string { return t.Queue + ".dlq" }

func (t Topology) retryArgs() amqp.Table {
	delay := t.RetryDelay
	if delay <= 0 {
		delay = 10 * time.Second
	}
	return amqp.Table{
		"x-message-ttl":             int64(delay / time.Millisecond),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.Queue,
	}
}

// Declare makes sure all queues exist. The retry queue is only needed when
// retries are republished.
func (t Topology) Declare(ch queueDeclarer, withRetry bool) error {
	if err := DeclareDurableQueue(ch, t.Queue, nil); err != nil {
		return err
	}
	if err := DeclareDurableQueue(ch, t.DeadLetterQueue(), nil); err != nil {
		return err
	}
	if withRetry {
		if err := DeclareDurableQueue(ch, t.RetryQueue(), t.retryArgs()); err != nil {
			return err
		}
	}
	return nil
}
