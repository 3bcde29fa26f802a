package email

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"

	"github.com/baechuer/booking-confirmation/internal/domain"
)

type SMTPSender struct {
	lg zerolog.Logger

	host     string
	port     int
	user     string
	pass     string
	from     string
	insecure bool

	timeout time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
	Insecure bool
}

func NewSMTPSender(cfg SMTPConfig, lg zerolog.Logger) *SMTPSender {
	return &SMTPSender{
		lg:       lg.With().Str("component", "smtp_sender").Logger(),
		host:     cfg.Host,
		port:     cfg.Port,
		user:     cfg.Username,
		pass:     cfg.Password,
		from:     cfg.From,
		insecure: cfg.Insecure,
		timeout:  cfg.Timeout,
	}
}

func (s *SMTPSender) Provider() string { return "smtp" }

// Send delivers msg over SMTP. Errors are TemporaryError or PermanentError.
func (s *SMTPSender) Send(ctx context.Context, msg domain.EmailMessage) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	m, err := s.build(msg)
	if err != nil {
		return err
	}

	tlsPolicy := mail.TLSMandatory
	if s.insecure {
		tlsPolicy = mail.TLSOpportunistic
	}

	opts := []mail.Option{
		mail.WithPort(s.port),
		mail.WithTLSPolicy(tlsPolicy),
	}
	if s.timeout > 0 {
		opts = append(opts, mail.WithTimeout(s.timeout))
	}
	if s.user != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain), mail.WithUsername(s.user), mail.WithPassword(s.pass))
	}

	c, err := mail.NewClient(s.host, opts...)
	if err != nil {
		return PermanentError{msg: "smtp client init failed: " + err.Error()}
	}

	s.lg.Debug().Str("host", s.host).Int("port", s.port).Str("to", msg.To).Str("subject", msg.Subject).Msg("attempting smtp send")

	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		s.lg.Error().Err(err).Str("to", msg.To).Msg("smtp send failed")
		return classifySendError(err)
	}

	s.lg.Info().Str("to", msg.To).Msg("smtp send ok")
	return nil
}

func (s *SMTPSender) build(msg domain.EmailMessage) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.from); err != nil {
		return nil, PermanentError{msg: "invalid from address: " + err.Error()}
	}
	if err := m.To(msg.To); err != nil {
		return nil, PermanentError{msg: "invalid to address: " + err.Error()}
	}
	m.Subject(msg.Subject)
	if msg.MessageID != "" {
		// derived from the idempotency key, identical across resends
		m.SetMessageIDWithValue(msg.MessageID)
	}

	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}
	return m, nil
}

func classifySendError(err error) error {
	var se *mail.SendError
	if errors.As(err, &se) && !se.IsTemp() && se.Reason == mail.ErrSMTPRcptTo {
		return PermanentError{msg: "smtp recipient rejected: " + err.Error()}
	}

	msg := err.Error()
	if containsAny(msg, "535", "5.7.8", "authentication", "Username and Password not accepted") {
		return PermanentError{msg: "smtp auth failed: " + msg}
	}
	if containsAny(msg, "550 ", "5.1.1", "mailbox unavailable", "no such user") {
		return PermanentError{msg: "smtp recipient rejected: " + msg}
	}
	return TemporaryError{msg: "smtp transient failure: " + msg}
}

func containsAny(s string, subs ...string) bool {
	for _, x := range subs {
		if x != "" && strings.Contains(s, x) {
			return true
		}
	}
	return false
}
