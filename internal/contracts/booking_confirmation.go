package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// MaxMessageBytes caps the size of an accepted message body.
const MaxMessageBytes = 1 << 20

var ErrInvalidMessage = errors.New("invalid booking confirmation message")

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("opaque_id", validateOpaqueID)
}

// OpaqueID is an identifier that producers may send as a JSON string or number.
type OpaqueID string

func (id *OpaqueID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*id = ""
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = OpaqueID(strings.TrimSpace(s))
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("id must be a string or number: %w", err)
		}
		*id = OpaqueID(n.String())
		return nil
	}
}

func (id OpaqueID) String() string { return string(id) }

// BookingConfirmation is the message published for every confirmed booking.
type BookingConfirmation struct {
	UserID  OpaqueID `json:"user_id" validate:"required,opaque_id"`
	EventID OpaqueID `json:"event_id" validate:"required,opaque_id"`
	Tickets int      `json:"no_of_ticket" validate:"required,gt=0"`
	Amount  *float64 `json:"amount" validate:"required,gte=0"`

	BookingID      OpaqueID `json:"booking_id,omitempty" validate:"omitempty,opaque_id"`
	IdempotencyKey string   `json:"idempotency_key,omitempty" validate:"omitempty,max=200"`
}

// wire accepts the legacy num_tickets spelling next to no_of_ticket.
type wire struct {
	BookingConfirmation
	NumTickets *int `json:"num_tickets,omitempty"`
}

// DecodeBookingConfirmation parses and validates a message body.
// Every failure wraps ErrInvalidMessage.
func DecodeBookingConfirmation(body []byte) (BookingConfirmation, error) {
	if len(body) > MaxMessageBytes {
		return BookingConfirmation{}, fmt.Errorf("%w: body too large (%d bytes)", ErrInvalidMessage, len(body))
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return BookingConfirmation{}, fmt.Errorf("%w: body is not a JSON object", ErrInvalidMessage)
	}

	var w wire
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return BookingConfirmation{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	msg := w.BookingConfirmation
	if msg.Tickets == 0 && w.NumTickets != nil {
		msg.Tickets = *w.NumTickets
	}

	if err := validate.Struct(msg); err != nil {
		return BookingConfirmation{}, fmt.Errorf("%w: %s", ErrInvalidMessage, formatValidationErrors(err))
	}
	return msg, nil
}

// AmountValue returns the validated amount.
func (m BookingConfirmation) AmountValue() float64 {
	if m.Amount == nil {
		return 0
	}
	return *m.Amount
}

// StableToken is the producer-supplied dedup token, if any.
func (m BookingConfirmation) StableToken() string {
	if k := strings.TrimSpace(m.IdempotencyKey); k != "" {
		return k
	}
	return m.BookingID.String()
}

func validateOpaqueID(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func formatValidationErrors(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
