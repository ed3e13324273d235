package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"secflow/internal/access"
	"secflow/internal/config"
	"secflow/internal/domain"
	"secflow/internal/engine"
	"secflow/internal/intent"
	"secflow/internal/metrics"
	"secflow/internal/repo"
	"secflow/internal/seed"
)

// EventLog is the read side of the audit log.
type EventLog interface {
	LatestEvents(ctx context.Context, limit int, f repo.EventFilters) ([]domain.Event, error)
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine *engine.Engine
	Events EventLog
	Keys   KeyStore
	// App is the loaded workspace config; SaveApp persists ticker edits.
	App      *config.Config
	SaveApp  func(*config.Config) error
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stage_skip"`
	Message string         `json:"message" example:"stage skip violation: stage 5: current stage is 2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"stage_id\":5}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type api struct {
	cfg      Config
	tickerMu sync.Mutex
}

// New returns an HTTP handler exposing the secflow API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	if cfg.App == nil {
		cfg.App = config.Default("secflow")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Keys, cfg.Logger))
	hcfg := huma.DefaultConfig("Secflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	a := &api{cfg: cfg}
	registerDocs(router, basePath)
	registerHealth(group)
	a.registerTimelines(group)
	a.registerStages(group)
	a.registerFindings(group)
	a.registerMetrics(group)
	a.registerEvents(group)
	a.registerTicker(group)
	a.registerNavigation(group)
	a.registerDevAuth(group)
	registerOpenAPI(router, humaAPI, basePath)

	return router, nil
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
	var details map[string]any
	var te *engine.TransitionError
	if errors.As(err, &te) && te.StageID >= 0 {
		details = map[string]any{"stage_id": te.StageID}
	}
	var fe access.ForbiddenError
	var ve *seed.ValidationError
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrStageSkip):
		return newAPIError(http.StatusConflict, "stage_skip", msg, details)
	case errors.Is(err, engine.ErrVersionConflict):
		return newAPIError(http.StatusConflict, "version_conflict", msg, details)
	case errors.Is(err, engine.ErrRoleNotPermitted):
		return newAPIError(http.StatusForbidden, "role_not_permitted", msg, details)
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", msg, map[string]any{"action": fe.Action})
	case errors.Is(err, engine.ErrUnknownEntity), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, details)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, details)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
	case errors.As(err, &ve):
		fields := make([]map[string]string, 0, len(ve.Errors))
		for _, f := range ve.Errors {
			fields = append(fields, map[string]string{"field": f.Field, "message": f.Message})
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", "seed validation failed", map[string]any{"errors": fields})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var out []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Secflow API Docs</title>
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

type timelinePath struct {
	ClientID  string `path:"client_id"`
	ServiceID string `path:"service_id"`
}

func (p timelinePath) key() domain.Key { return keyOf(p.ClientID, p.ServiceID) }

type stagePath struct {
	ClientID  string `path:"client_id"`
	ServiceID string `path:"service_id"`
	StageID   int    `path:"stage_id"`
}

func (p stagePath) key() domain.Key { return keyOf(p.ClientID, p.ServiceID) }

func keyOf(clientID, serviceID string) domain.Key {
	return domain.Key{ClientID: clientID, ServiceID: serviceID}
}

type timelineOutput struct {
	Body domain.Timeline `json:"body"`
}

func timelineResult(t domain.Timeline, err error) (*timelineOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &timelineOutput{Body: t}, nil
}

// mutationErrors is the error set shared by every stage operation.
var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

func (a *api) registerTimelines(api huma.API) {
	e := a.cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-timelines",
		Method:      http.MethodGet,
		Path:        "/timelines",
		Summary:     "List timelines",
	}, func(ctx context.Context, input *struct {
		ClientID    string `query:"client_id"`
		ServiceName string `query:"service_name"`
	}) (*struct {
		Body []domain.Timeline `json:"body"`
	}, error) {
		items, err := e.List(ctx, repo.TimelineFilters{ClientID: input.ClientID, ServiceName: input.ServiceName})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Timeline `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-timeline",
		Method:        http.MethodPost,
		Path:          "/timelines",
		Summary:       "Onboard a client service",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTimelineRequest `json:"body"`
	}) (*timelineOutput, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		return timelineResult(e.CreateTimeline(ctx, engine.OnboardOptions{
			ClientID:    strings.TrimSpace(input.Body.ClientID),
			ClientName:  strings.TrimSpace(input.Body.ClientName),
			ServiceID:   strings.TrimSpace(input.Body.ServiceID),
			ServiceName: strings.TrimSpace(input.Body.ServiceName),
		}, actor))
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-timelines",
		Method:      http.MethodPost,
		Path:        "/timelines/import",
		Summary:     "Import a seed document",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*struct {
		Body ImportResponse `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := seed.Parse(input.RawBody, e.Catalog)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := e.Import(ctx, items, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImportResponse `json:"body"`
		}{Body: ImportResponse{Imported: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-timeline",
		Method:      http.MethodGet,
		Path:        "/timelines/{client_id}/{service_id}",
		Summary:     "Get a timeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *timelinePath) (*timelineOutput, error) {
		return timelineResult(e.Get(ctx, input.key()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate-report",
		Method:      http.MethodPost,
		Path:        "/timelines/{client_id}/{service_id}/report",
		Summary:     "Complete report generation",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *timelinePath) (*timelineOutput, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		return timelineResult(e.GenerateReport(ctx, input.key(), actor))
	})

	huma.Register(api, huma.Operation{
		OperationID: "client-satisfaction",
		Method:      http.MethodPost,
		Path:        "/timelines/{client_id}/{service_id}/satisfaction",
		Summary:     "Record client satisfaction",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ClientID  string              `path:"client_id"`
		ServiceID string              `path:"service_id"`
		Body      SatisfactionRequest `json:"body"`
	}) (*timelineOutput, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		key := keyOf(input.ClientID, input.ServiceID)
		return timelineResult(e.ClientSatisfaction(ctx, key, input.Body.Satisfied, input.Body.Feedback, actor))
	})
}

func (a *api) registerStages(api huma.API) {
	e := a.cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "stages-for-role",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "Stages visible to a role",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role" enum:"admin,manager,tester,client"`
	}) (*struct {
		Body StagesResponse `json:"body"`
	}, error) {
		role := domain.Role(input.Role)
		if role == "" {
			actor, aerr := actorFromContext(ctx)
			if aerr != nil {
				return nil, aerr
			}
			role = actor.Role
		}
		return &struct {
			Body StagesResponse `json:"body"`
		}{Body: StagesResponse{Role: role, Stages: stageViews(e.Policy, role)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stage-status",
		Method:      http.MethodPatch,
		Path:        "/timelines/{client_id}/{service_id}/stages/{stage_id}/status",
		Summary:     "Change a stage status",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ClientID  string `path:"client_id"`
		ServiceID string `path:"service_id"`
		StageID   int    `path:"stage_id"`
		Body UpdateStatusRequest `json:"body"`
	}) (*timelineOutput, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		return timelineResult(e.UpdateStageStatus(ctx, keyOf(input.ClientID, input.ServiceID), input.StageID, input.Body.Status, input.Body.Progress, actor))
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-stage",
		Method:      http.MethodPost,
		Path:        "/timelines/{client_id}/{service_id}/stages/{stage_id}/assign",
		Summary:     "Assign a user to a stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ClientID  string `path:"client_id"`
		ServiceID string `path:"service_id"`
		StageID   int    `path:"stage_id"`
		Body AssignRequest `json:"body"`
	}) (*timelineOutput, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		return timelineResult(e.AssignUser(ctx, keyOf(input.ClientID, input.ServiceID), input.StageID, strings.TrimSpace(input.Body.UserID), input.Body.Role, actor))
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-stage-due",
		Method:      http.MethodPut,
		Path:        "/timelines/{client_id}/{service_id}/stages/{stage_id}/due",
		Summary:     "Set a stage due date",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ClientID  string `path:"client_id"`
		ServiceID string `path:"service_id"`
		StageID   int    `path:"stage_id"`
		Body DueDateRequest `json:"body"`
	}) (*timelineOutput, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		return timelineResult(e.SetDueDate(ctx, keyOf(input.ClientID, input.ServiceID), input.StageID, input.Body.DueDate, actor))
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-stage-comment",
		Method:      http.MethodPost,
		Path:        "/timelines/{client_id}/{service_id}/stages/{stage_id}/comments",
		Summary:     "Comment on a stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ClientID  string `path:"client_id"`
		ServiceID string `path:"service_id"`
		StageID   int    `path:"stage_id"`
		Body CommentRequest `json:"body"`
	}) (*timelineOutput, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		return timelineResult(e.AddComment(ctx, keyOf(input.ClientID, input.ServiceID), input.StageID, engine.CommentInput{Content: input.Body.Content}, actor))
	})

	huma.Register(api, huma.Operation{
		OperationID: "upload-stage-attachment",
		Method:      http.MethodPost,
		Path:        "/timelines/{client_id}/{service_id}/stages/{stage_id}/attachments",
		Summary:     "Record attachment metadata on a stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ClientID  string `path:"client_id"`
		ServiceID string `path:"service_id"`
		StageID   int    `path:"stage_id"`
		Body AttachmentRequest `json:"body"`
	}) (*timelineOutput, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		return timelineResult(e.UploadAttachment(ctx, keyOf(input.ClientID, input.ServiceID), input.StageID, engine.AttachmentInput{
			Name: input.Body.Name,
			Type: input.Body.Type,
			Size: input.Body.Size,
			URL:  input.Body.URL,
		}, actor))
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-stage",
		Method:      http.MethodPost,
		Path:        "/timelines/{client_id}/{service_id}/stages/{stage_id}/submit",
		Summary:     "Submit a stage for review",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *stagePath) (*timelineOutput, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		return timelineResult(e.SubmitForReview(ctx, input.key(), input.StageID, actor))
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-stage",
		Method:      http.MethodPost,
		Path:        "/timelines/{client_id}/{service_id}/stages/{stage_id}/approve",
		Summary:     "Approve a stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *stagePath) (*timelineOutput, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		return timelineResult(e.ApproveStage(ctx, input.key(), input.StageID, actor))
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-stage",
		Method:      http.MethodPost,
		Path:        "/timelines/{client_id}/{service_id}/stages/{stage_id}/reject",
		Summary:     "Reject a stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ClientID  string `path:"client_id"`
		ServiceID string `path:"service_id"`
		StageID   int    `path:"stage_id"`
		Body RejectRequest `json:"body"`
	}) (*timelineOutput, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		return timelineResult(e.RejectStage(ctx, keyOf(input.ClientID, input.ServiceID), input.StageID, input.Body.Reason, actor))
	})
}

func (a *api) registerFindings(api huma.API) {
	e := a.cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "add-finding",
		Method:        http.MethodPost,
		Path:          "/timelines/{client_id}/{service_id}/findings",
		Summary:       "Record a finding",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ClientID  string         `path:"client_id"`
		ServiceID string         `path:"service_id"`
		Body      FindingRequest `json:"body"`
	}) (*struct {
		Body FindingResponse `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		key := keyOf(input.ClientID, input.ServiceID)
		t, f, err := e.AddFinding(ctx, key, engine.FindingInput{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Severity:    input.Body.Severity,
			Evidence:    input.Body.Evidence,
			PoC:         input.Body.PoC,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FindingResponse `json:"body"`
		}{Body: FindingResponse{Finding: f, Timeline: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-finding",
		Method:      http.MethodPatch,
		Path:        "/timelines/{client_id}/{service_id}/findings/{finding_id}",
		Summary:     "Change a finding status",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ClientID  string               `path:"client_id"`
		ServiceID string               `path:"service_id"`
		FindingID string               `path:"finding_id"`
		Body      FindingStatusRequest `json:"body"`
	}) (*timelineOutput, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		key := keyOf(input.ClientID, input.ServiceID)
		return timelineResult(e.UpdateFindingStatus(ctx, key, input.FindingID, input.Body.Status, actor))
	})
}

func (a *api) registerMetrics(api huma.API) {
	e := a.cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Dashboard metrics",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ClientID    string `query:"client_id"`
		ServiceName string `query:"service_name"`
		From        string `query:"from" doc:"RFC 3339 timestamp or YYYY-MM-DD"`
		To          string `query:"to" doc:"RFC 3339 timestamp or YYYY-MM-DD, inclusive"`
	}) (*struct {
		Body MetricsResponse `json:"body"`
	}, error) {
		from, err := parseTimeParam(input.From, false)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid from", map[string]any{"from": input.From})
		}
		to, err := parseTimeParam(input.To, true)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid to", map[string]any{"to": input.To})
		}
		items, err := e.List(ctx, repo.TimelineFilters{})
		if err != nil {
			return nil, handleError(err)
		}
		agg := metrics.New(items, metrics.Filter{
			From:        from,
			To:          to,
			ClientID:    input.ClientID,
			ServiceName: input.ServiceName,
		}, a.now())
		return &struct {
			Body MetricsResponse `json:"body"`
		}{Body: metricsResponse(agg)}, nil
	})
}

func (a *api) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ClientID  string `query:"client_id"`
		ServiceID string `query:"service_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if a.cfg.Events == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "event log not configured", nil)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := a.cfg.Events.LatestEvents(ctx, limit+1, repo.EventFilters{
			ClientID:  input.ClientID,
			ServiceID: input.ServiceID,
			Type:      input.Type,
			BeforeID:  cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			// the cursor is exclusive, so it names the last id returned
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

func (a *api) registerTicker(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-ticker",
		Method:      http.MethodGet,
		Path:        "/ticker",
		Summary:     "Portal news ticker",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TickerResponse `json:"body"`
	}, error) {
		a.tickerMu.Lock()
		items := append([]config.NewsItem{}, a.cfg.App.Ticker...)
		a.tickerMu.Unlock()
		return &struct {
			Body TickerResponse `json:"body"`
		}{Body: TickerResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-ticker",
		Method:        http.MethodPost,
		Path:          "/ticker",
		Summary:       "Publish a ticker item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body TickerRequest `json:"body"`
	}) (*struct {
		Body config.NewsItem `json:"body"`
	}, error) {
		if err := a.requireAdmin(ctx, "manage the ticker"); err != nil {
			return nil, err
		}
		item := config.NewsItem{
			ID:        strings.TrimSpace(input.Body.ID),
			Message:   strings.TrimSpace(input.Body.Message),
			CreatedAt: a.now(),
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		a.tickerMu.Lock()
		defer a.tickerMu.Unlock()
		if err := a.cfg.App.AddNews(item); err != nil {
			return nil, newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"id": item.ID})
		}
		if err := a.saveApp(); err != nil {
			a.cfg.App.RemoveNews(item.ID)
			return nil, handleError(err)
		}
		return &struct {
			Body config.NewsItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-ticker",
		Method:        http.MethodDelete,
		Path:          "/ticker/{id}",
		Summary:       "Remove a ticker item",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := a.requireAdmin(ctx, "manage the ticker"); err != nil {
			return nil, err
		}
		a.tickerMu.Lock()
		defer a.tickerMu.Unlock()
		if !a.cfg.App.RemoveNews(input.ID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "ticker item not found", map[string]any{"id": input.ID})
		}
		if err := a.saveApp(); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (a *api) registerNavigation(api huma.API) {
	e := a.cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "navigate",
		Method:      http.MethodGet,
		Path:        "/navigate",
		Summary:     "Resolve a navigation intent",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind      string `query:"kind" enum:"dashboard,client-detail,service-timeline,stage-detail,finding-detail"`
		ClientID  string `query:"client_id"`
		ServiceID string `query:"service_id"`
		StageID   int    `query:"stage_id" default:"-1"`
		FindingID string `query:"finding_id"`
	}) (*struct {
		Body NavigationResponse `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		in, err := intent.Parse(intent.Kind(input.Kind), input.ClientID, input.ServiceID, input.StageID, input.FindingID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		sess := e.NewSession(actor)
		if err := sess.Apply(ctx, in); err != nil {
			return nil, handleError(err)
		}
		resp := NavigationResponse{
			Page:      string(sess.Page),
			ClientID:  sess.ClientID,
			ServiceID: sess.ServiceID,
			FindingID: sess.FindingID,
		}
		if sess.StageID >= 0 {
			id := sess.StageID
			resp.StageID = &id
		}
		if key, ok := sess.Key(); ok {
			t, err := e.Get(ctx, key)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Timeline = &t
		}
		return &struct {
			Body NavigationResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (a *api) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" || !input.Body.Role.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		token, err := signToken(a.cfg.Auth.JWTSecret, actor, input.Body.Role, a.cfg.Auth.TokenTTL, a.now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func (a *api) requireAdmin(ctx context.Context, action string) error {
	actor, aerr := actorFromContext(ctx)
	if aerr != nil {
		return aerr
	}
	if actor.Role != domain.RoleAdmin {
		return handleError(access.ForbiddenError{StageID: -1, Role: actor.Role, Action: action})
	}
	return nil
}

func (a *api) saveApp() error {
	if a.cfg.SaveApp == nil {
		return nil
	}
	return a.cfg.SaveApp(a.cfg.App)
}

func (a *api) now() time.Time {
	if a.cfg.Engine.Now != nil {
		return a.cfg.Engine.Now().UTC()
	}
	return time.Now().UTC()
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

// parseTimeParam accepts RFC 3339 or a bare date. A bare date used as an
// upper bound covers the whole day.
func parseTimeParam(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t.UTC(), nil
}
