package senders

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/fleetalert/fleetalert/internal/database"
)

// EmailTransport is the boundary to the mail system. Template rendering and
// relay specifics belong to the host application; the engine only hands over
// recipient, subject and a plain-text body.
type EmailTransport interface {
	SendMail(ctx context.Context, to, subject, body string) error
}

// EmailSender delivers alert events through an EmailTransport. The delivery's
// recipient address is the email address.
type EmailSender struct {
	transport EmailTransport
}

// NewEmailSender creates a new email sender
func NewEmailSender(transport EmailTransport) *EmailSender {
	return &EmailSender{transport: transport}
}

// Channel implements services.Sender
func (s *EmailSender) Channel() database.AlertChannel {
	return database.ChannelEmail
}

// Send implements services.Sender
func (s *EmailSender) Send(ctx context.Context, delivery *database.AlertDelivery, event *database.AlertEvent) error {
	subject := fmt.Sprintf("[%s] %s alert: %s %s",
		strings.ToUpper(string(event.Severity)), event.AlertType, event.ObjectType, event.ObjectID)
	if err := s.transport.SendMail(ctx, delivery.RecipientAddress, subject, EventSummary(event)); err != nil {
		return fmt.Errorf("email send failed: %w", err)
	}
	return nil
}

// SMTPTransport is a minimal EmailTransport over a plain SMTP relay.
type SMTPTransport struct {
	Addr string // host:port
	From string
}

// SendMail implements EmailTransport
func (t *SMTPTransport) SendMail(ctx context.Context, to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", t.From, to, subject, body)

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(t.Addr, nil, t.From, []string{to}, []byte(msg))
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
