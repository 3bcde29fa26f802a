package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/baechuer/booking-confirmation/internal/domain"
)

const subjectBookingConfirmed = "Your booking is confirmed"

var textTmpl = texttemplate.Must(texttemplate.New("booking_text").Parse(
	`Hi {{.Username}},

Your booking is confirmed.

Event:   {{.EventID}}
Tickets: {{.Tickets}}
Amount:  {{.Amount}}

Thanks for booking with us.
`))

var htmlTmpl = htmltemplate.Must(htmltemplate.New("booking_html").Parse(`<!doctype html>
<html>
  <body style="font-family:Arial,Helvetica,sans-serif; line-height:1.4;">
    <h2>Your booking is confirmed</h2>
    <p>Hi {{.Username}},</p>
    <table style="border-collapse:collapse;">
      <tr><td style="padding:4px 12px 4px 0; color:#555;">Event</td><td>{{.EventID}}</td></tr>
      <tr><td style="padding:4px 12px 4px 0; color:#555;">Tickets</td><td>{{.Tickets}}</td></tr>
      <tr><td style="padding:4px 12px 4px 0; color:#555;">Amount</td><td>{{.Amount}}</td></tr>
    </table>
    <p style="color:#555; font-size:12px;">Thanks for booking with us.</p>
  </body>
</html>`))

type view struct {
	Username string
	EventID  string
	Tickets  int
	Amount   string
}

// render builds the email for a booking confirmation. The Message-ID is
// derived from the idempotency key so every resend of the same notification
// carries the same id.
func render(req domain.NotificationRequest, messageIDDomain string) (domain.EmailMessage, error) {
	username := req.Username
	if username == "" {
		username = "there"
	}
	v := view{
		Username: username,
		EventID:  req.EventID,
		Tickets:  req.Tickets,
		Amount:   fmt.Sprintf("%.2f", req.Amount),
	}

	var text, html bytes.Buffer
	if err := textTmpl.Execute(&text, v); err != nil {
		return domain.EmailMessage{}, fmt.Errorf("render text: %w", err)
	}
	if err := htmlTmpl.Execute(&html, v); err != nil {
		return domain.EmailMessage{}, fmt.Errorf("render html: %w", err)
	}

	msg := domain.EmailMessage{
		To:      req.Email,
		Subject: subjectBookingConfirmed,
		Text:    text.String(),
		HTML:    html.String(),
	}
	if req.IdempotencyKey != "" {
		msg.MessageID = messageID(req.IdempotencyKey, messageIDDomain)
	}
	return msg, nil
}

func messageID(key, host string) string {
	if host == "" {
		host = "booking-confirmation.local"
	}
	// the key is "<kind>:<uuid>"; ':' is not valid in a Message-ID local part
	return fmt.Sprintf("%s@%s", strings.ReplaceAll(key, ":", "."), host)
}
