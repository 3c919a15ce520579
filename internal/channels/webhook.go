package channels

import (
	"context"
	"net/http"

	"auditline/internal/dispatch"
)

const (
	HeaderEvent    = "X-Auditline-Event"
	HeaderDelivery = "X-Auditline-Delivery"
	HeaderSecret   = "X-Auditline-Secret"
)

// WebhookSender posts the intent envelope to the recipient's webhook URL.
// Receivers can deduplicate retries on the delivery header.
type WebhookSender struct {
	Client *http.Client
	Secret string
}

func NewWebhookSender(client *http.Client, secret string) *WebhookSender {
	return &WebhookSender{Client: newHTTPClient(client), Secret: secret}
}

func (s *WebhookSender) Send(ctx context.Context, url string, payload dispatch.Rendered) error {
	return postJSON(ctx, newHTTPClient(s.Client), url, payload.Body, map[string]string{
		HeaderEvent:    payload.Subject,
		HeaderDelivery: payload.DeliveryID,
		HeaderSecret:   s.Secret,
	})
}
