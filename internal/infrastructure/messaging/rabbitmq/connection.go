package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrConnectionLost is reported when the broker connection drops and the
// supervisor cannot get it back.
var ErrConnectionLost = errors.New("broker connection lost")

// ConnectionError means the broker could not be reached or refused the
// handshake.
type ConnectionError struct {
	URL string // credentials redacted
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChannelError means a channel could not be opened on a live connection.
type ChannelError struct {
	Err error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("rabbitmq channel: %v", e.Err) }

func (e *ChannelError) Unwrap() error { return e.Err }

// QueueConflictError means a queue already exists with different arguments.
// Reconnecting does not help; an operator has to fix the broker.
type QueueConflictError struct {
	Queue string
	Err   error
}

func (e *QueueConflictError) Error() string {
	return fmt.Sprintf("queue %q exists with different arguments: %v", e.Queue, e.Err)
}

func (e *QueueConflictError) Unwrap() error { return e.Err }

type DialOptions struct {
	Heartbeat      time.Duration
	ConnectionName string
}

// Dial opens a broker connection.
func Dial(rawURL string, opts DialOptions) (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	if opts.ConnectionName != "" {
		props.SetClientConnectionName(opts.ConnectionName)
	}

	conn, err := amqp.DialConfig(rawURL, amqp.Config{
		Heartbeat:  opts.Heartbeat,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, &ConnectionError{URL: redactURL(rawURL), Err: err}
	}
	return conn, nil
}

type channelOpener interface {
	Channel() (*amqp.Channel, error)
}

// OpenChannel opens a channel on conn.
func OpenChannel(conn channelOpener) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Err: err}
	}
	return ch, nil
}

type queueDeclarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// DeclareDurableQueue declares a durable, non-exclusive queue. Declaring an
// existing queue with the same arguments is a no-op.
func DeclareDurableQueue(ch queueDeclarer, name string, args amqp.Table) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		if isPreconditionFailed(err) {
			return &QueueConflictError{Queue: name, Err: err}
		}
		return fmt.Errorf("declare queue %q: %w", name, err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var aerr *amqp.Error
	return errors.As(err, &aerr) && aerr.Code == amqp.PreconditionFailed
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
