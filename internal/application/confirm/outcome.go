package confirm

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// State is a step of the per-message state machine:
// Received -> Enriching -> Dispatching -> {Acked | Retrying | DeadLettered}.
type State string

const (
	StateReceived     State = "received"
	StateEnriching    State = "enriching"
	StateDispatching  State = "dispatching"
	StateAcked        State = "acked"
	StateRetrying     State = "retrying"
	StateDeadLettered State = "dead_lettered"
)

type Disposition string

const (
	Acked            Disposition = "acked"
	RequeuedForRetry Disposition = "retrying"
	DeadLettered     Disposition = "dead_lettered"
)

// Reasons attached to non-acked outcomes. They end up in logs, metrics and
// dead-letter record headers.
const (
	ReasonDecode             = "decode_error"
	ReasonUserNotFound       = "user_not_found"
	ReasonLookupUnavailable  = "lookup_unavailable"
	ReasonLookupInvalid      = "lookup_invalid"
	ReasonDispatchFailed     = "dispatch_failed"
	ReasonDispatchRejected   = "dispatch_rejected"
	ReasonRedeliveryExceeded = "redelivery_exceeded"
)

var (
	ErrDecode             = errors.New("decode error")
	ErrDispatchFailed     = errors.New("dispatch failed")
	ErrRedeliveryExceeded = errors.New("redelivery limit exceeded")
)

// Message is one delivery as seen by the processor.
type Message struct {
	// ID identifies the message across redeliveries.
	ID   string
	Body []byte
	// Attempt is 1 for the first delivery and grows by one per failed try.
	Attempt int
}

// Outcome is the processor's decision for one delivery.
type Outcome struct {
	Disposition Disposition
	State       State
	Reason      string
	Attempt     int
	Err         error

	// Duplicate is set when the notification had already been sent.
	Duplicate bool
}

const contentHashPrefix = "sha256:"

// MessageIdentity returns the broker message id when the producer set one,
// and a content hash otherwise.
func MessageIdentity(messageID string, body []byte) string {
	if id := strings.TrimSpace(messageID); id != "" {
		return id
	}
	sum := sha256.Sum256(body)
	return contentHashPrefix + hex.EncodeToString(sum[:])
}
