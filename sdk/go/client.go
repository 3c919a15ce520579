package auditlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal auditline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Action struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type Phase struct {
	Index                 int        `json:"index"`
	Name                  string     `json:"name"`
	State                 string     `json:"state"`
	Actions               []Action   `json:"actions"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	EstimatedCompletionAt *time.Time `json:"estimated_completion_at,omitempty"`
}

// Roadmap is the API roadmap model.
type Roadmap struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	OrgID           string    `json:"org_id"`
	Title           string    `json:"title"`
	OverallProgress int       `json:"overall_progress"`
	Phases          []Phase   `json:"phases"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type RoadmapSummary struct {
	ID              string `json:"id"`
	OwnerID         string `json:"owner_id"`
	OrgID           string `json:"org_id"`
	Title           string `json:"title"`
	OverallProgress int    `json:"overall_progress"`
	UpdatedAt       string `json:"updated_at"`
}

type NewAction struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
}

type NewPhase struct {
	Name    string      `json:"name"`
	Actions []NewAction `json:"actions"`
}

type NewRoadmap struct {
	ID      string     `json:"id,omitempty"`
	OwnerID string     `json:"owner_id,omitempty"`
	OrgID   string     `json:"org_id"`
	Title   string     `json:"title"`
	Phases  []NewPhase `json:"phases"`
}

type Preferences struct {
	OwnerID        string `json:"owner_id,omitempty"`
	EmailEnabled   bool   `json:"email_enabled,omitempty"`
	ChatEnabled    bool   `json:"chat_enabled,omitempty"`
	WebhookEnabled bool   `json:"webhook_enabled,omitempty"`
	EmailAddress   string `json:"email_address,omitempty"`
	ChatTargetURL  string `json:"chat_target_url,omitempty"`
	WebhookURL     string `json:"webhook_url,omitempty"`
}

// DeliveryAttempt is one try at delivering a notification on one channel.
type DeliveryAttempt struct {
	IntentID      string     `json:"intent_id"`
	Recipient     string     `json:"recipient"`
	Channel       string     `json:"channel"`
	Status        string     `json:"status"`
	AttemptNumber int        `json:"attempt_number"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ErrorDetail   string     `json:"error_detail,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	OrgID      string         `json:"org_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type WhoAmI struct {
	ActorID string   `json:"actor_id"`
	Orgs    []string `json:"orgs"`
	Source  string   `json:"source"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRoadmap creates a roadmap.
func (c *Client) CreateRoadmap(ctx context.Context, in NewRoadmap) (Roadmap, error) {
	var resp Roadmap
	err := c.do(ctx, http.MethodPost, "roadmaps", in, &resp)
	return resp, err
}

func (c *Client) GetRoadmap(ctx context.Context, id string) (Roadmap, error) {
	var resp Roadmap
	err := c.do(ctx, http.MethodGet, "roadmaps/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListRoadmaps lists the caller's roadmaps, or every roadmap of orgID.
func (c *Client) ListRoadmaps(ctx context.Context, orgID string) ([]RoadmapSummary, error) {
	endpoint := "roadmaps"
	if orgID != "" {
		endpoint += "?org_id=" + url.QueryEscape(orgID)
	}
	var resp struct {
		Items []RoadmapSummary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CompleteAction marks an action complete and returns the updated roadmap.
func (c *Client) CompleteAction(ctx context.Context, roadmapID string, phaseIndex int, actionID string) (Roadmap, error) {
	var resp Roadmap
	endpoint := fmt.Sprintf("roadmaps/%s/phases/%d/actions/%s/complete", url.PathEscape(roadmapID), phaseIndex, url.PathEscape(actionID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetPreferences(ctx context.Context, ownerID string) (Preferences, error) {
	var resp Preferences
	err := c.do(ctx, http.MethodGet, "preferences/"+url.PathEscape(ownerID), nil, &resp)
	return resp, err
}

// SetPreferences replaces the owner's delivery preferences.
func (c *Client) SetPreferences(ctx context.Context, ownerID string, p Preferences) (Preferences, error) {
	p.OwnerID = ""
	var resp Preferences
	err := c.do(ctx, http.MethodPut, "preferences/"+url.PathEscape(ownerID), p, &resp)
	return resp, err
}

// Deliveries returns the caller's delivery attempts, newest first.
func (c *Client) Deliveries(ctx context.Context, status string, limit int) ([]DeliveryAttempt, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "deliveries"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []DeliveryAttempt `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// EventsPage returns a paginated event listing for an organization.
func (c *Client) EventsPage(ctx context.Context, orgID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "orgs/" + url.PathEscape(orgID) + "/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Me(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.apiBase() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req.Header)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(h http.Header) {
	switch {
	case c.BearerToken != "":
		h.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		h.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) apiBase() string {
	base := strings.TrimRight(c.BaseURL, "/")
	p := strings.Trim(c.BasePath, "/")
	if p == "" {
		return base
	}
	return base + "/" + p
}
