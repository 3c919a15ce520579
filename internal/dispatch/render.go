package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"auditline/internal/domain"
	"auditline/internal/registry"
)

// Rendered is a channel-specific payload ready for a Sender.
type Rendered struct {
	// DeliveryID identifies the intent to receivers that deduplicate.
	DeliveryID  string
	ContentType string
	Subject     string
	Body        []byte
	HTML        string
}

var titleCaser = cases.Title(language.English)

func priorityLabel(p domain.Priority) string {
	return titleCaser.String(string(p))
}

// Render builds the payload for one delivery channel.
func Render(ch domain.Channel, intent domain.NotificationIntent, at time.Time) (Rendered, error) {
	r, err := render(ch, intent, at)
	r.DeliveryID = intent.ID
	return r, err
}

func render(ch domain.Channel, intent domain.NotificationIntent, at time.Time) (Rendered, error) {
	switch ch {
	case domain.ChannelEmail:
		return renderEmail(intent)
	case domain.ChannelChat:
		return renderChat(intent)
	case domain.ChannelWebhook:
		return renderWebhook(intent)
	case domain.ChannelInApp:
		body, err := registry.EncodePush(domain.PushNotification, intent, at)
		if err != nil {
			return Rendered{}, err
		}
		return Rendered{ContentType: "application/json", Body: body}, nil
	default:
		return Rendered{}, fmt.Errorf("no renderer for channel %q", ch)
	}
}

var emailHTML = template.Must(template.New("email").Parse(`<!doctype html>
<html>
  <body style="font-family: sans-serif;">
    <h2>{{.Title}}</h2>
    <p>{{.Body}}</p>
    {{- if .Metadata}}
    <table>
      {{- range .Metadata}}
      <tr><td><strong>{{.Key}}</strong></td><td>{{.Value}}</td></tr>
      {{- end}}
    </table>
    {{- end}}
    <p style="color: #666;">Priority: {{.Priority}}</p>
  </body>
</html>`))

type kv struct {
	Key   string
	Value string
}

func sortedMetadata(m map[string]string) []kv {
	out := make([]kv, 0, len(m))
	for k, v := range m {
		out = append(out, kv{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func renderEmail(intent domain.NotificationIntent) (Rendered, error) {
	meta := sortedMetadata(intent.Metadata)
	var text strings.Builder
	text.WriteString(intent.Title)
	text.WriteString("\n\n")
	text.WriteString(intent.Body)
	text.WriteString("\n")
	if len(meta) > 0 {
		text.WriteString("\n")
		for _, m := range meta {
			fmt.Fprintf(&text, "%s: %s\n", m.Key, m.Value)
		}
	}

	var html bytes.Buffer
	err := emailHTML.Execute(&html, struct {
		Title    string
		Body     string
		Priority string
		Metadata []kv
	}{intent.Title, intent.Body, priorityLabel(intent.Priority), meta})
	if err != nil {
		return Rendered{}, fmt.Errorf("render email html: %w", err)
	}
	return Rendered{
		ContentType: "text/plain; charset=utf-8",
		Subject:     fmt.Sprintf("[%s] %s", priorityLabel(intent.Priority), intent.Title),
		Body:        []byte(text.String()),
		HTML:        html.String(),
	}, nil
}

type chatText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatBlock struct {
	Type     string     `json:"type"`
	Text     *chatText  `json:"text,omitempty"`
	Elements []chatText `json:"elements,omitempty"`
}

type chatMessage struct {
	Text   string      `json:"text"`
	Blocks []chatBlock `json:"blocks"`
}

func renderChat(intent domain.NotificationIntent) (Rendered, error) {
	footer := []chatText{{Type: "mrkdwn", Text: "Priority: *" + priorityLabel(intent.Priority) + "*"}}
	for _, m := range sortedMetadata(intent.Metadata) {
		footer = append(footer, chatText{Type: "mrkdwn", Text: m.Key + ": " + m.Value})
	}
	msg := chatMessage{
		Text: intent.Title,
		Blocks: []chatBlock{
			{Type: "header", Text: &chatText{Type: "plain_text", Text: intent.Title}},
			{Type: "section", Text: &chatText{Type: "mrkdwn", Text: intent.Body}},
			{Type: "context", Elements: footer},
		},
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return Rendered{}, fmt.Errorf("render chat message: %w", err)
	}
	return Rendered{ContentType: "application/json", Subject: intent.Title, Body: body}, nil
}

type webhookEnvelope struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Recipient string            `json:"recipient"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Priority  domain.Priority   `json:"priority"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt string            `json:"created_at"`
}

func renderWebhook(intent domain.NotificationIntent) (Rendered, error) {
	body, err := json.Marshal(webhookEnvelope{
		ID:        intent.ID,
		Kind:      intent.Kind,
		Recipient: intent.Recipient,
		Title:     intent.Title,
		Body:      intent.Body,
		Priority:  intent.Priority,
		Metadata:  intent.Metadata,
		CreatedAt: intent.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Rendered{}, fmt.Errorf("render webhook envelope: %w", err)
	}
	return Rendered{ContentType: "application/json", Subject: intent.Kind, Body: body}, nil
}
