package auditlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// Message is any frame the server sends on the WebSocket: replies
// (connected, subscribed, unsubscribed, pong, error) and pushes
// (alert, roadmap_update, notification).
type Message struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Channel      string          `json:"channel,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Stream is a live push connection.
type Stream struct {
	ConnectionID string
	conn         *websocket.Conn
}

// Connect opens the push WebSocket and waits for the connected reply.
func (c *Client) Connect(ctx context.Context) (*Stream, error) {
	wsURL := c.apiBase() + "/ws"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	header := http.Header{}
	c.authorize(header)
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if res != nil {
			return nil, &APIError{StatusCode: res.StatusCode, Body: err.Error()}
		}
		return nil, err
	}
	s := &Stream{conn: conn}
	msg, err := s.Next(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if msg.Type != "connected" {
		conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", msg.Type)
	}
	s.ConnectionID = msg.ConnectionID
	return s, nil
}

// Subscribe asks for channel and waits for the server's answer.
func (s *Stream) Subscribe(ctx context.Context, channel string) error {
	if err := s.conn.WriteJSON(map[string]string{"type": "subscribe", "channel": channel}); err != nil {
		return err
	}
	msg, err := s.Next(ctx)
	if err != nil {
		return err
	}
	switch msg.Type {
	case "subscribed":
		return nil
	case "error":
		if msg.Error != nil {
			return &APIError{StatusCode: http.StatusForbidden, Code: msg.Error.Code, Message: msg.Error.Message}
		}
		return errors.New("subscribe refused")
	default:
		return fmt.Errorf("unexpected reply %q", msg.Type)
	}
}

// Ping sends an application heartbeat. The pong arrives through Next.
func (s *Stream) Ping() error {
	return s.conn.WriteJSON(map[string]string{"type": "ping"})
}

// Next blocks until the next frame, ctx's deadline, or a read error.
func (s *Stream) Next(ctx context.Context) (Message, error) {
	deadline, _ := ctx.Deadline()
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := s.conn.ReadJSON(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Close ends the stream with an unsubscribe-all.
func (s *Stream) Close() error {
	_ = s.conn.WriteJSON(map[string]string{"type": "unsubscribe"})
	return s.conn.Close()
}
