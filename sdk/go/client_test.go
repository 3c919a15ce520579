package auditlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestCompleteActionSendsBearerAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.EscapedPath() != "/v1/roadmaps/rm-1/phases/0/actions/a%201/complete" {
			t.Errorf("path = %s", r.URL.EscapedPath())
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":               "rm-1",
			"overall_progress": 50,
			"phases": []map[string]any{
				{"index": 0, "name": "Discovery", "state": "in_progress", "actions": []map[string]any{{"id": "a 1", "title": "x", "completed": true}}},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	rm, err := c.CompleteAction(context.Background(), "rm-1", 0, "a 1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if rm.OverallProgress != 50 || len(rm.Phases) != 1 || !rm.Phases[0].Actions[0].Completed {
		t.Fatalf("unexpected roadmap: %+v", rm)
	}
}

func TestAPIErrorParsesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "key" {
			t.Errorf("api key = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"forbidden","message":"not a member"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "key"
	_, err := c.GetRoadmap(context.Background(), "rm-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "forbidden" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestDeliveriesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/deliveries" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("status") != "exhausted" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"items":[{"intent_id":"i1","recipient":"alice","channel":"email","status":"exhausted","attempt_number":3,"scheduled_at":"2026-01-01T00:00:00Z"}]}`))
	}))
	defer srv.Close()

	items, err := New(srv.URL).Deliveries(context.Background(), "exhausted", 5)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(items) != 1 || items[0].AttemptNumber != 3 || items[0].Channel != "email" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestStreamSubscribe(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]string{"type": "connected", "connectionId": "c-1"})
		for {
			var in map[string]string
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			switch {
			case in["type"] == "subscribe" && strings.HasPrefix(in["channel"], "user:"):
				_ = conn.WriteJSON(map[string]string{"type": "subscribed", "channel": in["channel"]})
				_ = conn.WriteJSON(map[string]any{"type": "alert", "channel": in["channel"], "data": map[string]string{"k": "v"}})
			case in["type"] == "subscribe":
				_ = conn.WriteJSON(map[string]any{"type": "error", "error": map[string]string{"code": "forbidden", "message": "no"}})
			case in["type"] == "unsubscribe":
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := New(srv.URL).Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if s.ConnectionID != "c-1" {
		t.Fatalf("connection id = %q", s.ConnectionID)
	}
	if err := s.Subscribe(ctx, "user:alice"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	msg, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if msg.Type != "alert" || !strings.Contains(string(msg.Data), `"k":"v"`) {
		t.Fatalf("unexpected push: %+v", msg)
	}
	err = s.Subscribe(ctx, "org:7")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
