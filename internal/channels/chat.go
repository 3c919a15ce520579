package channels

import (
	"context"
	"net/http"

	"auditline/internal/dispatch"
)

// ChatSender posts block-formatted messages to an incoming-webhook URL.
type ChatSender struct {
	Client *http.Client
}

func NewChatSender(client *http.Client) *ChatSender {
	return &ChatSender{Client: newHTTPClient(client)}
}

func (s *ChatSender) Send(ctx context.Context, targetURL string, payload dispatch.Rendered) error {
	return postJSON(ctx, newHTTPClient(s.Client), targetURL, payload.Body, nil)
}
