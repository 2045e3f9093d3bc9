package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/metrics"
	"stageline/internal/repo"
	"stageline/internal/template"
)

// Config for the HTTP API handler.
type Config struct {
	Engine          engine.Engine
	BasePath        string
	Auth            AuthConfig
	Metrics         *metrics.Metrics
	Logger          zerolog.Logger
	DefaultTemplate string
	MaxPageSize     int
	Version         string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"cannot move from discovery to build; allowed: design"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"discovery\",\"to\":\"build\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

func respond[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// New returns an HTTP handler exposing the Stageline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Engine.Templates == nil {
		return nil, errors.New("server requires a template registry")
	}
	if cfg.MaxPageSize <= 0 || cfg.MaxPageSize > engine.MaxPageSize {
		cfg.MaxPageSize = engine.MaxPageSize
	}
	version := cfg.Version
	if version == "" {
		version = "0.1.0"
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Logger, cfg.Metrics))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}

	hcfg := huma.DefaultConfig("Stageline API", version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg)
	registerWorkflow(group, cfg)
	registerGates(group, cfg)
	registerReviewers(group, cfg.Engine)
	registerContacts(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger logs each request and records its duration under the
// matched route pattern.
func requestLogger(logger zerolog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(start)
			m.ObserveRequest(r.Method+" "+route, strconv.Itoa(status), elapsed)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Dur("duration", elapsed).
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

var kindStatus = map[engine.Kind]int{
	engine.KindConfiguration:          http.StatusUnprocessableEntity,
	engine.KindInvalidCurrentStage:    http.StatusConflict,
	engine.KindInvalidTargetStage:     http.StatusBadRequest,
	engine.KindIllegalTransition:      http.StatusConflict,
	engine.KindGateNotApproved:        http.StatusConflict,
	engine.KindGateNotRequired:        http.StatusConflict,
	engine.KindReasonTooShort:         http.StatusBadRequest,
	engine.KindGateNotFound:           http.StatusNotFound,
	engine.KindContactInactiveMissing: http.StatusUnprocessableEntity,
	engine.KindDuplicateAssignment:    http.StatusConflict,
	engine.KindGateDependenciesUnmet:  http.StatusConflict,
	engine.KindGateSequenceViolation:  http.StatusConflict,
	engine.KindGateAlreadyApproved:    http.StatusConflict,
	engine.KindProjectNotFound:        http.StatusNotFound,
	engine.KindConcurrentModification: http.StatusConflict,
	engine.KindInvalidInput:           http.StatusBadRequest,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var werr *engine.Error
	if errors.As(err, &werr) {
		status, ok := kindStatus[werr.Kind]
		if !ok {
			status = http.StatusBadRequest
		}
		return newAPIError(status, kindCode(werr.Kind), werr.Message, werr.Details)
	}
	var cfgErr *template.ConfigError
	if errors.As(err, &cfgErr) {
		details := map[string]any{"template": cfgErr.Template}
		if len(cfgErr.Cycle) > 0 {
			details["cycle"] = cfgErr.Cycle
		}
		return newAPIError(http.StatusUnprocessableEntity, kindCode(engine.KindConfiguration), err.Error(), details)
	}
	if errors.Is(err, repo.ErrDuplicate) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

// kindCode turns an error kind into its snake_case wire code.
func kindCode(k engine.Kind) string {
	var b strings.Builder
	for i, r := range string(k) {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
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
						Schema: &huma.Schema{
							Type: "object",
							Properties: map[string]*huma.Schema{
								"error": {
									Type: "object",
									Properties: map[string]*huma.Schema{
										"code":    {Type: "string"},
										"message": {Type: "string"},
										"details": {Type: "object"},
									},
								},
							},
						},
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
    <title>Stageline API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type gatePath struct {
	GateID string `path:"gate_id"`
}

func registerProjects(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create a project from a template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*output[ProjectResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tpl := input.Body.Template
		if tpl == "" {
			tpl = cfg.DefaultTemplate
		}
		p, gates, err := e.InitProject(ctx, engine.InitOptions{
			ProjectID:   strings.TrimSpace(input.Body.ID),
			Template:    tpl,
			Description: input.Body.Description,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ProjectResponse{Project: p, Gates: nonNilSlice(gates)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Project], error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-gates",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/gates",
		Summary:     "List gates of a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Stage     string `query:"stage"`
	}) (*output[[]domain.Gate], error) {
		gates, err := e.ListGates(ctx, input.ProjectID, input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(gates)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-gate-metrics",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/gates/metrics",
		Summary:     "Gate progress metrics",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[domain.GateMetrics], error) {
		m, err := e.GateMetrics(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(m), nil
	})
}

func registerWorkflow(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/workflow",
		Summary:     "Current workflow state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[WorkflowResponse], error) {
		view, err := e.GetWorkflow(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(workflowResponse(view)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/workflow/transitions",
		Summary:     "Stages reachable from the current stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[TransitionsResponse], error) {
		view, err := e.GetWorkflow(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := TransitionsResponse{
			CurrentStage: view.Project.Workflow.CurrentStage,
			GateStatus:   string(view.Project.Workflow.GateStatus),
			Transitions:  []StageResponse{},
		}
		for _, id := range view.Transitions {
			if s, ok := view.Template.GetStage(id); ok {
				resp.Transitions = append(resp.Transitions, stageResponse(s))
			}
		}
		return respond(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/workflow/advance",
		Summary:     "Advance to an adjacent stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      AdvanceRequest
	}) (*output[ProjectMutationResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		_, evt, err := e.AdvanceStage(ctx, engine.AdvanceOptions{
			ProjectID:   input.ProjectID,
			TargetStage: input.Body.TargetStage,
			ActorID:     actorID,
			Notes:       input.Body.Notes,
			StageData:   input.Body.StageData,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return projectMutation(ctx, e, input.ProjectID, evt)
	})

	for _, action := range []string{"approve", "reject"} {
		huma.Register(api, huma.Operation{
			OperationID: action + "-stage-gate",
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/workflow/gate/" + action,
			Summary:     strings.ToUpper(action[:1]) + action[1:] + " the current stage's gate",
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ProjectID string `path:"project_id"`
			Body      StageGateRequest
		}) (*output[ProjectMutationResponse], error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			decide := e.ApproveStageGate
			if action == "reject" {
				decide = e.RejectStageGate
			}
			_, evt, err := decide(ctx, input.ProjectID, actorID, input.Body.Feedback)
			if err != nil {
				return nil, handleError(err)
			}
			return projectMutation(ctx, e, input.ProjectID, evt)
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "override-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/workflow/override",
		Summary:     "Jump to any stage, bypassing graph and gate checks",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      OverrideRequest
	}) (*output[ProjectMutationResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		_, evt, err := e.OverrideStage(ctx, engine.OverrideOptions{
			ProjectID:   input.ProjectID,
			TargetStage: input.Body.TargetStage,
			ActorID:     actorID,
			Reason:      input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return projectMutation(ctx, e, input.ProjectID, evt)
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/workflow/history",
		Summary:     "Audit history, most recent first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		EventType string `query:"event_type" enum:"stage_advance,gate_approved,gate_rejected,gate_reset,reviewer_assigned,manual_override"`
		GateID    string `query:"gate_id"`
		From      string `query:"from" doc:"RFC3339 lower bound"`
		To        string `query:"to" doc:"RFC3339 upper bound"`
		Page      int    `query:"page" default:"1" minimum:"1"`
		PageSize  int    `query:"page_size" default:"20" minimum:"1"`
	}) (*output[HistoryResponse], error) {
		page, err := e.History(ctx, input.ProjectID, engine.HistoryQuery{
			EventType: domain.EventType(input.EventType),
			GateID:    input.GateID,
			From:      input.From,
			To:        input.To,
			Page:      input.Page,
			PageSize:  min(input.PageSize, cfg.MaxPageSize),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(historyResponse(page)), nil
	})
}

func projectMutation(ctx context.Context, e engine.Engine, projectID string, evt domain.WorkflowEvent) (*output[ProjectMutationResponse], error) {
	view, err := e.GetWorkflow(ctx, projectID)
	if err != nil {
		return nil, handleError(err)
	}
	return respond(ProjectMutationResponse{Workflow: workflowResponse(view), Event: eventResponse(evt)}), nil
}

func registerGates(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "get-gate",
		Method:      http.MethodGet,
		Path:        "/gates/{gate_id}",
		Summary:     "Gate with its approval readiness",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *gatePath) (*output[engine.GateCheck], error) {
		check, err := e.CheckGate(ctx, input.GateID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(check), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-gate",
		Method:      http.MethodPost,
		Path:        "/gates/{gate_id}/approve",
		Summary:     "Approve a gate",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		GateID string `path:"gate_id"`
		Body   ApproveGateRequest
	}) (*output[GateMutationResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, evt, err := e.ApproveGate(ctx, engine.ApproveOptions{
			GateID:   input.GateID,
			ActorID:  actorID,
			Comment:  input.Body.Comment,
			Metadata: input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(GateMutationResponse{Gate: g, Event: eventResponse(evt)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-gate",
		Method:      http.MethodPost,
		Path:        "/gates/{gate_id}/reject",
		Summary:     "Reject a gate",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		GateID string `path:"gate_id"`
		Body   RejectGateRequest
	}) (*output[GateMutationResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, evt, err := e.RejectGate(ctx, engine.RejectOptions{
			GateID:          input.GateID,
			ActorID:         actorID,
			Reason:          input.Body.Reason,
			Recommendations: input.Body.Recommendations,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(GateMutationResponse{Gate: g, Event: eventResponse(evt)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-gate",
		Method:      http.MethodPost,
		Path:        "/gates/{gate_id}/reset",
		Summary:     "Reset a gate to pending",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *gatePath) (*output[GateMutationResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, evt, err := e.ResetGate(ctx, input.GateID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(GateMutationResponse{Gate: g, Event: eventResponse(evt)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "gate-history",
		Method:      http.MethodGet,
		Path:        "/gates/{gate_id}/history",
		Summary:     "Audit history of one gate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GateID   string `path:"gate_id"`
		Page     int    `query:"page" default:"1" minimum:"1"`
		PageSize int    `query:"page_size" default:"20" minimum:"1"`
	}) (*output[HistoryResponse], error) {
		page, err := e.HistoryForGate(ctx, input.GateID, input.Page, min(input.PageSize, cfg.MaxPageSize))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(historyResponse(page)), nil
	})
}

func registerReviewers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-reviewers",
		Method:      http.MethodGet,
		Path:        "/gates/{gate_id}/reviewers",
		Summary:     "List gate reviewers",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *gatePath) (*output[[]domain.GateReviewer], error) {
		items, err := e.ListReviewers(ctx, input.GateID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-reviewer",
		Method:        http.MethodPost,
		Path:          "/gates/{gate_id}/reviewers",
		Summary:       "Assign a reviewer",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		GateID string `path:"gate_id"`
		Body   AssignReviewerRequest
	}) (*output[ReviewerMutationResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, evt, err := e.AssignReviewer(ctx, input.GateID, input.Body.ContactID, input.Body.Role, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ReviewerMutationResponse{Reviewer: rv, Event: eventResponse(evt)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-reviewer",
		Method:        http.MethodDelete,
		Path:          "/gates/{gate_id}/reviewers/{contact_id}",
		Summary:       "Remove a reviewer",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GateID    string `path:"gate_id"`
		ContactID string `path:"contact_id"`
	}) (*struct{}, error) {
		if err := e.RemoveReviewer(ctx, input.GateID, input.ContactID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerContacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contacts",
		Method:      http.MethodGet,
		Path:        "/contacts",
		Summary:     "List contacts",
	}, func(ctx context.Context, input *struct {
		All bool `query:"all" doc:"Include inactive contacts"`
	}) (*output[[]domain.Contact], error) {
		items, err := e.ListContacts(ctx, input.All)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-contact",
		Method:        http.MethodPost,
		Path:          "/contacts",
		Summary:       "Create a contact",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateContactRequest
	}) (*output[domain.Contact], error) {
		c, err := e.CreateContact(ctx, engine.ContactInput{ID: input.Body.ID, Name: input.Body.Name, Email: input.Body.Email})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(c), nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List loaded workflow templates",
	}, func(ctx context.Context, _ *struct{}) (*output[[]TemplateResponse], error) {
		resp := []TemplateResponse{}
		for _, t := range e.Templates.List() {
			resp = append(resp, templateResponse(t))
		}
		return respond(resp), nil
	})
}
