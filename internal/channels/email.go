package channels

import (
	"context"
	"fmt"
	"net/smtp"
	"sync"

	"github.com/jordan-wright/email"

	"auditline/internal/dispatch"
)

// MailTransport hands a composed message to a mail server.
type MailTransport interface {
	Send(e *email.Email) error
}

// SMTPTransport sends through one SMTP relay.
type SMTPTransport struct {
	Addr string
	Auth smtp.Auth
}

func NewSMTPTransport(addr, host, username, password string) *SMTPTransport {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPTransport{Addr: addr, Auth: auth}
}

func (t *SMTPTransport) Send(e *email.Email) error {
	return e.Send(t.Addr, t.Auth)
}

// MockMailTransport keeps sent mail in memory.
type MockMailTransport struct {
	mu   sync.Mutex
	mail []*email.Email
	Err  error
}

func NewMockMailTransport() *MockMailTransport {
	return &MockMailTransport{}
}

func (m *MockMailTransport) Send(e *email.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.mail = append(m.mail, e)
	return nil
}

func (m *MockMailTransport) GetSentMails() []*email.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*email.Email(nil), m.mail...)
}

func (m *MockMailTransport) GetLastSentMail() *email.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.mail) == 0 {
		return nil
	}
	return m.mail[len(m.mail)-1]
}

// EmailSender renders a multipart text/HTML message and sends it through a
// MailTransport.
type EmailSender struct {
	From      string
	Transport MailTransport
}

func NewEmailSender(from string, transport MailTransport) *EmailSender {
	return &EmailSender{From: from, Transport: transport}
}

// Send returns when the transport finishes or ctx is done. net/smtp takes no
// context, so an abandoned send may still complete in the background.
func (s *EmailSender) Send(ctx context.Context, address string, payload dispatch.Rendered) error {
	if s.Transport == nil {
		return fmt.Errorf("email transport not configured")
	}
	e := email.NewEmail()
	e.From = s.From
	e.To = []string{address}
	e.Subject = payload.Subject
	e.Text = payload.Body
	if payload.HTML != "" {
		e.HTML = []byte(payload.HTML)
	}
	if payload.DeliveryID != "" {
		e.Headers.Set("X-Auditline-Delivery", payload.DeliveryID)
	}

	done := make(chan error, 1)
	go func() { done <- s.Transport.Send(e) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
