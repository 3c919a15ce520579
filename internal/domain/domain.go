package domain

import "time"

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

const KindPhaseComplete = "phase-complete"

// NotificationIntent is an immutable event addressed to one owner.
type NotificationIntent struct {
	ID        string            `json:"id"`
	Recipient string            `json:"recipient"`
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Priority  Priority          `json:"priority" enum:"low,medium,high,urgent"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelChat    Channel = "chat"
	ChannelWebhook Channel = "webhook"
	ChannelInApp   Channel = "in_app"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// Terminal reports whether no further attempts follow this status.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySent || s == DeliveryExhausted
}

type DeliveryAttempt struct {
	IntentID      string         `json:"intent_id"`
	Recipient     string         `json:"recipient"`
	Channel       Channel        `json:"channel"`
	Status        DeliveryStatus `json:"status" enum:"pending,sent,failed,exhausted"`
	AttemptNumber int            `json:"attempt_number"`
	ScheduledAt   time.Time      `json:"scheduled_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	ErrorDetail   string         `json:"error_detail,omitempty"`
}

// Preferences are the per-owner delivery settings. The in-app channel is not
// configurable.
type Preferences struct {
	OwnerID        string `json:"owner_id"`
	EmailEnabled   bool   `json:"email_enabled"`
	ChatEnabled    bool   `json:"chat_enabled"`
	WebhookEnabled bool   `json:"webhook_enabled"`
	EmailAddress   string `json:"email_address,omitempty"`
	ChatTargetURL  string `json:"chat_target_url,omitempty"`
	WebhookURL     string `json:"webhook_url,omitempty"`
}

// ConnectionRecord is the persisted bookkeeping row for a live connection.
type ConnectionRecord struct {
	ID       string     `json:"id"`
	OwnerID  string     `json:"owner_id"`
	Active   bool       `json:"active"`
	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

type PushType string

const (
	PushAlert         PushType = "alert"
	PushRoadmapUpdate PushType = "roadmap_update"
	PushNotification  PushType = "notification"
)

// PushMessage is delivered verbatim to subscribed connections.
type PushMessage struct {
	Type      PushType `json:"type"`
	Data      any      `json:"data"`
	Timestamp string   `json:"timestamp"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
