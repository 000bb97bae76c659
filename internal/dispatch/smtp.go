package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"

	"gopkg.in/gomail.v2"
)

// SMTPConfig holds the SMTP_* environment variables (spec §6).
type SMTPConfig struct {
	Host     string
	Port     int
	Secure   bool // STARTTLS/implicit TLS per SMTP_SECURE
	User     string
	Password string
	From     string
}

// SMTPSender is the production Sender, backed by gomail's dialer.
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPSender builds an SMTPSender from the operator's SMTP config.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	if cfg.Secure {
		dialer.TLSConfig = &tls.Config{ServerName: cfg.Host}
	}
	return &SMTPSender{dialer: dialer, from: cfg.From}
}

// Send implements Sender. gomail has no context-aware dial API, so ctx
// cancellation is only honored up to the point DialAndSend is called;
// once dialing starts, the send runs to completion or returns gomail's
// own error.
func (s *SMTPSender) Send(ctx context.Context, to, subject, bodyText, bodyHTML string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context canceled before send: %w", err)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", s.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", bodyText)
	if bodyHTML != "" {
		msg.AddAlternative("text/html", bodyHTML)
	}

	if err := s.dialer.DialAndSend(msg); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}

	// gomail doesn't surface a provider message ID (no SMTP extension
	// response parsing); callers that need delivery tracking beyond
	// "sent" rely on the recipient's own mail logs.
	return "", nil
}
