package server

import (
	"encoding/json"
	"time"

	"auditline/internal/domain"
	"auditline/internal/registry"
	"auditline/internal/repo"
)

// Request payloads

type ActionRequest struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
}

type PhaseRequest struct {
	Name    string          `json:"name"`
	Actions []ActionRequest `json:"actions"`
}

type CreateRoadmapRequest struct {
	ID      string         `json:"id,omitempty"`
	OwnerID string         `json:"owner_id,omitempty" doc:"Defaults to the caller"`
	OrgID   string         `json:"org_id"`
	Title   string         `json:"title"`
	Phases  []PhaseRequest `json:"phases"`
}

type PreferencesRequest struct {
	EmailEnabled   bool   `json:"email_enabled,omitempty"`
	ChatEnabled    bool   `json:"chat_enabled,omitempty"`
	WebhookEnabled bool   `json:"webhook_enabled,omitempty"`
	EmailAddress   string `json:"email_address,omitempty"`
	ChatTargetURL  string `json:"chat_target_url,omitempty"`
	WebhookURL     string `json:"webhook_url,omitempty"`
}

// Response payloads

type ActionResponse struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type PhaseResponse struct {
	Index                 int              `json:"index"`
	Name                  string           `json:"name"`
	State                 string           `json:"state" enum:"pending,in_progress,completed"`
	Actions               []ActionResponse `json:"actions"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`
	EstimatedCompletionAt *time.Time       `json:"estimated_completion_at,omitempty"`
}

type RoadmapResponse struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	OrgID           string          `json:"org_id"`
	Title           string          `json:"title"`
	OverallProgress int             `json:"overall_progress"`
	Phases          []PhaseResponse `json:"phases"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type RoadmapListResponse struct {
	Items []repo.RoadmapSummary `json:"items"`
}

type ConnectionStatsResponse struct {
	registry.Stats
	Items []registry.ConnectionInfo `json:"items,omitempty"`
}

type DeliveryListResponse struct {
	Items []domain.DeliveryAttempt `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	OrgID      string         `json:"org_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Orgs    []string `json:"orgs"`
	Source  string   `json:"source"`
}

func roadmapResponse(rm domain.Roadmap) RoadmapResponse {
	res := RoadmapResponse{
		ID:              rm.ID,
		OwnerID:         rm.OwnerID,
		OrgID:           rm.OrgID,
		Title:           rm.Title,
		OverallProgress: rm.OverallProgress,
		Phases:          make([]PhaseResponse, 0, len(rm.Phases)),
		CreatedAt:       rm.CreatedAt,
		UpdatedAt:       rm.UpdatedAt,
	}
	for _, p := range rm.Phases {
		pr := PhaseResponse{
			Index:                 p.SequenceIndex,
			Name:                  p.Name,
			State:                 string(p.State()),
			Actions:               make([]ActionResponse, 0, len(p.Actions)),
			CompletedAt:           p.CompletedAt,
			EstimatedCompletionAt: p.EstimatedCompletionAt,
		}
		for _, a := range p.Actions {
			pr.Actions = append(pr.Actions, ActionResponse{ID: a.ID, Title: a.Title, Completed: a.Completed, CompletedAt: a.CompletedAt})
		}
		res.Phases = append(res.Phases, pr)
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		OrgID:      e.OrgID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
