package rabbitmq

import (
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	hdrAttempt   = "x-attempt"
	hdrDLQReason = "x-dlq-reason"
	hdrError     = "x-error"
	hdrFailedAt  = "x-failed-at"

	maxErrorHeader = 512
)

// headerCarrier lets the otel propagator read and write amqp headers.
type headerCarrier amqp.Table

func (h headerCarrier) Get(key string) string {
	switch v := h[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func (h headerCarrier) Set(key, value string) { h[key] = value }

func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// getAttempt reads the number of failed attempts recorded on a republished
// message.
func getAttempt(h amqp.Table) int {
	if h == nil {
		return 0
	}
	var n int
	switch t := h[hdrAttempt].(type) {
	case int:
		n = t
	case int32:
		n = int(t)
	case int64:
		n = int(t)
	case float64:
		n = int(t)
	case string:
		n, _ = strconv.Atoi(t)
	}
	if n < 0 {
		return 0
	}
	return n
}

func copyHeaders(in amqp.Table) amqp.Table {
	out := amqp.Table{}
	for k, v := range in {
		out[k] = v
	}
	return out
}

func failureHeaders(orig amqp.Table, attempt int, cause error) amqp.Table {
	h := copyHeaders(orig)
	h[hdrAttempt] = int64(attempt)
	h[hdrFailedAt] = time.Now().UTC().Format(time.RFC3339)
	if cause != nil {
		h[hdrError] = truncate(cause.Error(), maxErrorHeader)
	}
	return h
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
