package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"auditline/internal/domain"
	"auditline/internal/engine"
	"auditline/internal/engine/auth"
	"auditline/internal/events"
	"auditline/internal/registry"
	"auditline/internal/repo"
)

// SubscriptionAuthorizer decides whether an owner may hold a channel.
type SubscriptionAuthorizer interface {
	CanSubscribe(ctx context.Context, ownerID, channel string) error
}

// Config for the HTTP API handler.
type Config struct {
	Engine        engine.Engine
	Registry      *registry.Registry
	Subscriptions SubscriptionAuthorizer
	BasePath      string
	Auth          AuthConfig
	WebSocket     WebSocketConfig
	Logger        zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"roadmap rm-1 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"kind\":\"roadmap\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the auditline API and WebSocket
// endpoint.
func New(cfg Config) (http.Handler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("server: registry required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Subscriptions == nil {
		cfg.Subscriptions = auth.Service{DB: cfg.Engine.DB}
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(accessLog(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, cfg.Logger))
	hcfg := huma.DefaultConfig("Auditline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRoadmaps(group, cfg.Engine)
	registerPreferences(group, cfg.Engine)
	registerDeliveries(group, cfg.Engine)
	registerConnections(group, cfg.Registry)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	ws := newWSHandler(cfg.Registry, cfg.Subscriptions, cfg.WebSocket, cfg.Logger)
	router.Get(path.Join(basePath, "ws"), ws.ServeHTTP)

	return router, nil
}

func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var nf domain.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "ref": nf.Ref})
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	var ce domain.ConfigurationError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ce.Field})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"channel": fe.Channel})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func forbidden(message string, details map[string]any) huma.StatusError {
	return newAPIError(http.StatusForbidden, "forbidden", message, details)
}

// requireOrgMember checks the caller is recorded in org_members for orgID.
func requireOrgMember(ctx context.Context, e engine.Engine, orgID string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	ok, err := e.Repo.IsOrgMember(ctx, orgID, principal.ActorID)
	if err != nil {
		return Principal{}, err
	}
	if !ok {
		return Principal{}, forbidden("not a member of organization "+orgID, map[string]any{"org_id": orgID})
	}
	return principal, nil
}

// requireRoadmapAccess loads the roadmap and checks the caller owns it or
// belongs to its organization.
func requireRoadmapAccess(ctx context.Context, e engine.Engine, roadmapID string) (domain.Roadmap, Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return domain.Roadmap{}, Principal{}, authErr
	}
	rm, err := e.GetRoadmap(ctx, roadmapID)
	if err != nil {
		return domain.Roadmap{}, Principal{}, err
	}
	if rm.OwnerID == principal.ActorID {
		return rm, principal, nil
	}
	if _, err := requireOrgMember(ctx, e, rm.OrgID); err != nil {
		return domain.Roadmap{}, Principal{}, err
	}
	return rm, principal, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Auditline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
      The WebSocket endpoint also accepts ?token=.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerRoadmaps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-roadmap",
		Method:      http.MethodPost,
		Path:        "/roadmaps",
		Summary:     "Create a roadmap",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateRoadmapRequest `json:"body"`
	}) (*struct {
		Body RoadmapResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.OrgID) == "" {
			return nil, handleError(domain.ConfigurationError{Field: "org_id"})
		}
		if _, err := requireOrgMember(ctx, e, input.Body.OrgID); err != nil {
			return nil, handleError(err)
		}
		owner := input.Body.OwnerID
		if owner == "" {
			owner = principal.ActorID
		}
		opts := engine.RoadmapCreateOptions{
			ID:      input.Body.ID,
			OwnerID: owner,
			OrgID:   input.Body.OrgID,
			Title:   input.Body.Title,
		}
		for _, p := range input.Body.Phases {
			phase := engine.PhaseInput{Name: p.Name}
			for _, a := range p.Actions {
				phase.Actions = append(phase.Actions, engine.ActionInput{ID: a.ID, Title: a.Title})
			}
			opts.Phases = append(opts.Phases, phase)
		}
		rm, err := e.CreateRoadmap(engine.WithActor(ctx, principal.ActorID), opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoadmapResponse `json:"body"`
		}{Body: roadmapResponse(rm)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-roadmaps",
		Method:      http.MethodGet,
		Path:        "/roadmaps",
		Summary:     "List roadmaps",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID string `query:"org_id"`
	}) (*struct {
		Body RoadmapListResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner := principal.ActorID
		if input.OrgID != "" {
			if _, err := requireOrgMember(ctx, e, input.OrgID); err != nil {
				return nil, handleError(err)
			}
			owner = ""
		}
		items, err := e.Repo.ListRoadmaps(ctx, owner, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoadmapListResponse `json:"body"`
		}{Body: RoadmapListResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-roadmap",
		Method:      http.MethodGet,
		Path:        "/roadmaps/{roadmap_id}",
		Summary:     "Get a roadmap",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoadmapID string `path:"roadmap_id"`
	}) (*struct {
		Body RoadmapResponse `json:"body"`
	}, error) {
		rm, _, err := requireRoadmapAccess(ctx, e, input.RoadmapID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoadmapResponse `json:"body"`
		}{Body: roadmapResponse(rm)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-action",
		Method:      http.MethodPost,
		Path:        "/roadmaps/{roadmap_id}/phases/{phase_index}/actions/{action_id}/complete",
		Summary:     "Mark an action complete",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoadmapID  string `path:"roadmap_id"`
		PhaseIndex int    `path:"phase_index"`
		ActionID   string `path:"action_id"`
	}) (*struct {
		Body RoadmapResponse `json:"body"`
	}, error) {
		_, principal, err := requireRoadmapAccess(ctx, e, input.RoadmapID)
		if err != nil {
			return nil, handleError(err)
		}
		rm, err := e.CompleteAction(engine.WithActor(ctx, principal.ActorID), input.RoadmapID, input.PhaseIndex, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoadmapResponse `json:"body"`
		}{Body: roadmapResponse(rm)}, nil
	})
}

func validatePreferences(p PreferencesRequest) error {
	if p.EmailEnabled && strings.TrimSpace(p.EmailAddress) == "" {
		return domain.ValidationError{Field: "email_address", Reason: "required when email is enabled"}
	}
	if p.EmailAddress != "" && !strings.Contains(p.EmailAddress, "@") {
		return domain.ValidationError{Field: "email_address", Reason: "not an address"}
	}
	for field, raw := range map[string]string{"chat_target_url": p.ChatTargetURL, "webhook_url": p.WebhookURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return domain.ValidationError{Field: field, Reason: "must be an http(s) URL"}
		}
	}
	if p.ChatEnabled && p.ChatTargetURL == "" {
		return domain.ValidationError{Field: "chat_target_url", Reason: "required when chat is enabled"}
	}
	if p.WebhookEnabled && p.WebhookURL == "" {
		return domain.ValidationError{Field: "webhook_url", Reason: "required when webhook is enabled"}
	}
	return nil
}

func requireSelf(ctx context.Context, ownerID string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if principal.ActorID != ownerID {
		return Principal{}, forbidden("preferences belong to another owner", map[string]any{"owner_id": ownerID})
	}
	return principal, nil
}

func registerPreferences(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-preferences",
		Method:      http.MethodGet,
		Path:        "/preferences/{owner_id}",
		Summary:     "Get delivery preferences",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OwnerID string `path:"owner_id"`
	}) (*struct {
		Body domain.Preferences `json:"body"`
	}, error) {
		if _, err := requireSelf(ctx, input.OwnerID); err != nil {
			return nil, handleError(err)
		}
		prefs, err := e.Repo.GetPreferences(ctx, input.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Preferences `json:"body"`
		}{Body: prefs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-preferences",
		Method:      http.MethodPut,
		Path:        "/preferences/{owner_id}",
		Summary:     "Replace delivery preferences",
		Errors:      []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		OwnerID string             `path:"owner_id"`
		Body    PreferencesRequest `json:"body"`
	}) (*struct {
		Body domain.Preferences `json:"body"`
	}, error) {
		principal, err := requireSelf(ctx, input.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := validatePreferences(input.Body); err != nil {
			return nil, handleError(err)
		}
		prefs := domain.Preferences{
			OwnerID:        input.OwnerID,
			EmailEnabled:   input.Body.EmailEnabled,
			ChatEnabled:    input.Body.ChatEnabled,
			WebhookEnabled: input.Body.WebhookEnabled,
			EmailAddress:   input.Body.EmailAddress,
			ChatTargetURL:  input.Body.ChatTargetURL,
			WebhookURL:     input.Body.WebhookURL,
		}
		if err := e.Repo.UpsertPreferences(ctx, prefs); err != nil {
			return nil, handleError(err)
		}
		if err := e.Events.Record(ctx, events.Entry{
			Type:       events.PreferencesSet,
			EntityKind: "preferences",
			EntityID:   input.OwnerID,
			ActorID:    principal.ActorID,
			Payload: events.EventPayload{
				"email":   prefs.EmailEnabled,
				"chat":    prefs.ChatEnabled,
				"webhook": prefs.WebhookEnabled,
			},
		}); err != nil {
			e.Logger.Warn().Err(err).Str("owner_id", input.OwnerID).Msg("record preferences event")
		}
		return &struct {
			Body domain.Preferences `json:"body"`
		}{Body: prefs}, nil
	})
}

func registerDeliveries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/deliveries",
		Summary:     "List the caller's delivery attempts",
	}, func(ctx context.Context, input *struct {
		IntentID string `query:"intent_id"`
		Channel  string `query:"channel" enum:"email,chat,webhook,in_app"`
		Status   string `query:"status" enum:"pending,sent,failed,exhausted"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body DeliveryListResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAttempts(ctx, repo.AttemptFilters{
			IntentID:  input.IntentID,
			Recipient: principal.ActorID,
			Channel:   domain.Channel(input.Channel),
			Status:    domain.DeliveryStatus(input.Status),
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliveryListResponse `json:"body"`
		}{Body: DeliveryListResponse{Items: nonNilSlice(items)}}, nil
	})
}

func registerConnections(api huma.API, reg *registry.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "connection-stats",
		Method:      http.MethodGet,
		Path:        "/connections/stats",
		Summary:     "Live connection counts",
	}, func(ctx context.Context, input *struct {
		Mine bool `query:"mine" doc:"Include the caller's own connections"`
	}) (*struct {
		Body ConnectionStatsResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := ConnectionStatsResponse{Stats: reg.Stats()}
		if input.Mine {
			res.Items = []registry.ConnectionInfo{}
			for _, c := range reg.Snapshot() {
				if c.OwnerID == principal.ActorID {
					res.Items = append(res.Items, c)
				}
			}
		}
		return &struct {
			Body ConnectionStatsResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID      string `path:"org_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"roadmap,phase,action,preferences,delivery,org"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireOrgMember(ctx, e, input.OrgID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilter{
			OrgID:      input.OrgID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		orgs, err := e.Repo.OrgsForOwner(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Orgs:    nonNilSlice(orgs),
			Source:  principal.Source,
		}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
