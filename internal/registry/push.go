package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"auditline/internal/domain"
)

// EncodePush builds the wire form of an outbound push message.
func EncodePush(typ domain.PushType, data any, at time.Time) ([]byte, error) {
	b, err := json.Marshal(domain.PushMessage{
		Type:      typ,
		Data:      data,
		Timestamp: at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s push: %w", typ, err)
	}
	return b, nil
}

// Publish encodes and broadcasts a push message to channel.
func (r *Registry) Publish(channel string, typ domain.PushType, data any) (int, error) {
	payload, err := EncodePush(typ, data, r.clock.Now())
	if err != nil {
		return 0, err
	}
	return r.BroadcastToChannel(channel, payload), nil
}
