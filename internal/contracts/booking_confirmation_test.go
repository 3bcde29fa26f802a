package contracts

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Valid(t *testing.T) {
	msg, err := DecodeBookingConfirmation([]byte(`{"user_id":"u1","event_id":"e1","no_of_ticket":2,"amount":40.00}`))
	require.NoError(t, err)

	assert.Equal(t, OpaqueID("u1"), msg.UserID)
	assert.Equal(t, OpaqueID("e1"), msg.EventID)
	assert.Equal(t, 2, msg.Tickets)
	assert.Equal(t, 40.0, msg.AmountValue())
	assert.Equal(t, "", msg.StableToken())
}

func TestDecode_NumericIDsAndLegacyTickets(t *testing.T) {
	msg, err := DecodeBookingConfirmation([]byte(`{"user_id":7,"event_id":12,"num_tickets":3,"amount":0,"booking_id":99}`))
	require.NoError(t, err)

	assert.Equal(t, "7", msg.UserID.String())
	assert.Equal(t, "12", msg.EventID.String())
	assert.Equal(t, 3, msg.Tickets)
	assert.Equal(t, 0.0, msg.AmountValue())
	assert.Equal(t, "99", msg.StableToken())
}

func TestDecode_StableTokenPrefersIdempotencyKey(t *testing.T) {
	msg, err := DecodeBookingConfirmation([]byte(`{"user_id":"u1","event_id":"e1","no_of_ticket":1,"amount":5,"booking_id":"b1","idempotency_key":"k-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "k-1", msg.StableToken())
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want string
	}{
		{"empty", []byte(``), "not a JSON object"},
		{"array", []byte(`[1,2]`), "not a JSON object"},
		{"garbage", []byte(`{not json`), ""},
		{"missing user", []byte(`{"event_id":"e1","no_of_ticket":2,"amount":1}`), "user_id is required"},
		{"missing event", []byte(`{"user_id":"u1","no_of_ticket":2,"amount":1}`), "event_id is required"},
		{"missing tickets", []byte(`{"user_id":"u1","event_id":"e1","amount":1}`), "no_of_ticket is required"},
		{"zero tickets", []byte(`{"user_id":"u1","event_id":"e1","no_of_ticket":0,"amount":1}`), "no_of_ticket"},
		{"negative tickets", []byte(`{"user_id":"u1","event_id":"e1","no_of_ticket":-1,"amount":1}`), "no_of_ticket failed gt"},
		{"missing amount", []byte(`{"user_id":"u1","event_id":"e1","no_of_ticket":1}`), "amount is required"},
		{"negative amount", []byte(`{"user_id":"u1","event_id":"e1","no_of_ticket":1,"amount":-3}`), "amount failed gte"},
		{"bool id", []byte(`{"user_id":true,"event_id":"e1","no_of_ticket":1,"amount":1}`), ""},
		{"whitespace id", []byte(`{"user_id":"a b","event_id":"e1","no_of_ticket":1,"amount":1}`), "user_id failed opaque_id"},
		{"tickets as string", []byte(`{"user_id":"u1","event_id":"e1","no_of_ticket":"2","amount":1}`), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBookingConfirmation(tt.body)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidMessage))
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestDecode_TooLarge(t *testing.T) {
	body := append([]byte(`{"pad":"`), bytes.Repeat([]byte("x"), MaxMessageBytes)...)
	body = append(body, []byte(`"}`)...)

	_, err := DecodeBookingConfirmation(body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}
