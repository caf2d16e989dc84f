package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// ErrMailerNotConfigured is returned when email delivery is attempted without an API key.
var ErrMailerNotConfigured = errors.New("email delivery is not configured")

type mailClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridSender delivers plain-text email through the SendGrid v3 API.
type SendGridSender struct {
	client   mailClient
	fromName string
	fromAddr string
}

// NewSendGridSender returns a sender using apiKey. An empty key yields a
// sender whose every call fails with ErrMailerNotConfigured.
func NewSendGridSender(apiKey, fromName, fromAddr string) *SendGridSender {
	s := &SendGridSender{fromName: fromName, fromAddr: fromAddr}
	if apiKey != "" {
		s.client = sendgrid.NewSendClient(apiKey)
	}
	return s
}

// SendEmail implements EmailSender.
func (s *SendGridSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if s.client == nil {
		return ErrMailerNotConfigured
	}
	if to == "" {
		return errors.New("sendgrid: empty recipient")
	}

	message := mail.NewV3Mail()
	message.From = mail.NewEmail(s.fromName, s.fromAddr)
	message.Subject = subject

	personalization := mail.NewPersonalization()
	personalization.AddTos(mail.NewEmail("", to))
	message.AddPersonalizations(personalization)
	message.AddContent(mail.NewContent("text/plain", body))

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("send mail through sendgrid: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid returned %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}
