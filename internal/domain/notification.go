package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

type NotificationKind string

const KindBookingConfirmation NotificationKind = "booking_confirmation"

// NotificationRequest is everything the dispatcher needs to send one
// booking confirmation.
type NotificationRequest struct {
	Email    string
	Username string
	Kind     NotificationKind
	Tickets  int
	Amount   float64

	UserID         string
	EventID        string
	IdempotencyKey string
}

// EmailMessage is a rendered email ready for a transport.
type EmailMessage struct {
	To        string
	Subject   string
	Text      string
	HTML      string
	MessageID string
}

// Claim outcomes reported by an idempotency store.
var (
	ErrAlreadySent    = errors.New("notification already sent")
	ErrSendInProgress = errors.New("notification send in progress")
)

type DispatchStatus string

const (
	DispatchSent   DispatchStatus = "sent"
	DispatchFailed DispatchStatus = "failed"
)

// DispatchResult is the outcome of one send attempt. Failed results carry a
// reason and whether retrying can help.
type DispatchResult struct {
	Status    DispatchStatus
	Reason    string
	Permanent bool
	Duplicate bool
}

func Sent() DispatchResult { return DispatchResult{Status: DispatchSent} }

func Failed(reason string, permanent bool) DispatchResult {
	return DispatchResult{Status: DispatchFailed, Reason: reason, Permanent: permanent}
}

func (r DispatchResult) OK() bool { return r.Status == DispatchSent }

// keyNamespace scopes booking confirmation keys so they cannot collide with
// other UUIDv5 users of the same inputs.
var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:booking-confirmation:notification"))

// IdempotencyKey derives the dedup key for a notification. The same
// (user, event, token) triple always yields the same key.
func IdempotencyKey(userID, eventID, token string) string {
	name := strings.Join([]string{userID, eventID, token}, "|")
	return string(KindBookingConfirmation) + ":" + uuid.NewSHA1(keyNamespace, []byte(name)).String()
}
