package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the audit log.
const (
	RoadmapCreated    = "roadmap.created"
	ActionCompleted   = "action.completed"
	PhaseCompleted    = "phase.completed"
	PreferencesSet    = "preferences.updated"
	DeliveryExhausted = "delivery.exhausted"
	OrgMemberAdded    = "org.member_added"
	OrgMemberRemoved  = "org.member_removed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry identifies what an event is about.
type Entry struct {
	Type       string
	OrgID      string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes e inside tx so the event commits with the change it records.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	return w.insert(ctx, tx, e)
}

// Record writes e outside any transaction.
func (w Writer) Record(ctx context.Context, e Entry) error {
	if w.DB == nil {
		return fmt.Errorf("event writer has no database")
	}
	return w.insert(ctx, w.DB, e)
}

func (w Writer) insert(ctx context.Context, ex execer, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if e.ActorID == "" {
		e.ActorID = "system"
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = EventPayload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,org_id,entity_kind,entity_id,actor_id,payload) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.OrgID), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
