package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/gate"
	"stagegate/internal/maturity"
	"stagegate/internal/registry"
	"stagegate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_stage"`
	Message string         `json:"message" example:"session s1: verify not permitted in stage planning"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// New returns an HTTP handler exposing the Stagegate API.
func New(cfg Config) (http.Handler, error) {
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Stagegate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSessions(group, cfg.Engine)
	registerIntake(group, cfg.Engine)
	registerRequirements(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerVerification(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var ste engine.SessionTerminatedError
	if errors.As(err, &ste) {
		return newAPIError(http.StatusConflict, "session_terminated", err.Error(), map[string]any{"reason": ste.Reason})
	}
	var ise engine.InvalidStageError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusConflict, "invalid_stage", err.Error(), map[string]any{"current_stage": ise.Current})
	}
	var ge gate.FailureError
	if errors.As(err, &ge) {
		return newAPIError(http.StatusUnprocessableEntity, "gate_failed", err.Error(), map[string]any{
			"gate_id": ge.GateID,
			"reasons": ge.Reasons,
		})
	}
	var ure registry.UnknownRequirementError
	if errors.As(err, &ure) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var dre registry.DuplicateRegistrationError
	if errors.As(err, &dre) {
		return newAPIError(http.StatusConflict, "duplicate_requirement", err.Error(), nil)
	}
	var ite registry.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from": ite.From,
			"to":   ite.To,
		})
	}
	var ile maturity.InvalidLevelError
	if errors.As(err, &ile) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var ume maturity.UnknownModuleError
	if errors.As(err, &ume) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid stage transition"):
		return newAPIError(http.StatusConflict, "invalid_stage", msg, nil)
	case strings.Contains(lowered, "not in maturity profile"),
		strings.Contains(lowered, "only blocked sub-stages"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Stagegate API Docs</title>
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

type sessionPath struct {
	SessionID string `path:"session_id"`
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create session and run prompt validation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body GateOutcomeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Objective) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "objective is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SessionCreateOptions{
			Objective: input.Body.Objective,
			Modules:   input.Body.Modules,
			Answers:   input.Body.Answers,
			ActorID:   actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Level != nil {
			opts.Level = *input.Body.Level
		}
		out, err := e.CreateSession(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateOutcomeResponse `json:"body"`
		}{Body: gateOutcomeResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage      string `query:"stage"`
		Terminated string `query:"terminated" enum:"true,false,"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		filters := repo.SessionFilters{
			Stage: input.Stage,
			Limit: normalizeLimit(input.Limit),
		}
		if input.Terminated != "" {
			v := input.Terminated == "true"
			filters.Terminated = &v
		}
		items, err := e.Repo.ListSessions(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]SessionResponse, 0, len(items))
		for _, s := range items {
			res = append(res, sessionResponse(s))
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-status",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/status",
		Summary:     "Aggregate session status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionStatusResponse `json:"body"`
	}, error) {
		st, err := e.Status(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		records := make([]StageRecordResponse, 0, len(st.Stages))
		for _, rec := range st.Stages {
			records = append(records, stageRecordResponse(rec))
		}
		return &struct {
			Body SessionStatusResponse `json:"body"`
		}{Body: SessionStatusResponse{
			Session:  sessionResponse(st.Session),
			Level:    st.Profile.Level,
			Stages:   nonNilSlice(st.Profile.RequiredSubStages),
			Records:  records,
			Coverage: st.Coverage,
			Retries:  nonNilSlice(st.Retries),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/cancel",
		Summary:     "Cancel session from any state",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string        `path:"session_id"`
		Body      CancelRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Cancel(ctx, input.SessionID, actorID, stringOrEmpty(input.Body.Note))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})
}

func registerIntake(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-intake",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/intake",
		Summary:     "Submit intake answers to the prompt-validation gate",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string        `path:"session_id"`
		Body      IntakeRequest `json:"body"`
	}) (*struct {
		Body GateOutcomeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.SubmitIntake(ctx, input.SessionID, input.Body.Answers, input.Body.AcceptDefaults, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateOutcomeResponse `json:"body"`
		}{Body: gateOutcomeResponse(out)}, nil
	})
}

type requirementPath struct {
	SessionID string `path:"session_id"`
	ReqID     string `path:"req_id"`
}

func registerRequirements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-requirement",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/requirements",
		Summary:       "Register a requirement",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string                   `path:"session_id"`
		Body      CreateRequirementRequest `json:"body"`
	}) (*struct {
		Body RequirementResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Description) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "description is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.RegisterRequirement(ctx, engine.RequirementCreateOptions{
			SessionID:          input.SessionID,
			Type:               input.Body.Type,
			Priority:           stringOrEmpty(input.Body.Priority),
			Description:        input.Body.Description,
			AcceptanceCriteria: stringOrEmpty(input.Body.AcceptanceCriteria),
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequirementResponse `json:"body"`
		}{Body: requirementResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requirements",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/requirements",
		Summary:     "List requirements",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body []RequirementResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRequirements(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RequirementResponse, 0, len(items))
		for _, r := range items {
			res = append(res, requirementResponse(r))
		}
		return &struct {
			Body []RequirementResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-requirement",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/requirements/{req_id}",
		Summary:     "Get requirement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *requirementPath) (*struct {
		Body RequirementResponse `json:"body"`
	}, error) {
		r, err := e.Repo.GetRequirement(ctx, input.SessionID, input.ReqID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequirementResponse `json:"body"`
		}{Body: requirementResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "map-requirement",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/requirements/{req_id}/map",
		Summary:     "Map requirement to a sub-stage and tasks",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string                `path:"session_id"`
		ReqID     string                `path:"req_id"`
		Body      MapRequirementRequest `json:"body"`
	}) (*struct {
		Body RequirementResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Stage) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "stage is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.MapRequirement(ctx, input.SessionID, input.ReqID, input.Body.Stage, input.Body.Tasks, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequirementResponse `json:"body"`
		}{Body: requirementResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-evidence",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/requirements/{req_id}/evidence",
		Summary:     "Record implementation evidence",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string          `path:"session_id"`
		ReqID     string          `path:"req_id"`
		Body      EvidenceRequest `json:"body"`
	}) (*struct {
		Body RequirementResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Evidence) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "evidence is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.RecordEvidence(ctx, input.SessionID, input.ReqID, input.Body.Evidence, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequirementResponse `json:"body"`
		}{Body: requirementResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "descope-requirement",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/requirements/{req_id}/descope",
		Summary:     "Descope requirement with approval",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string         `path:"session_id"`
		ReqID     string         `path:"req_id"`
		Body      DescopeRequest `json:"body"`
	}) (*struct {
		Body RequirementResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Justification) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "justification is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.DescopeRequirement(ctx, input.SessionID, input.ReqID, actorID, input.Body.Justification)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequirementResponse `json:"body"`
		}{Body: requirementResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-requirement",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/requirements/{req_id}/reopen",
		Summary:     "Reopen a done or descoped requirement",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *requirementPath) (*struct {
		Body RequirementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.ReopenRequirement(ctx, input.SessionID, input.ReqID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequirementResponse `json:"body"`
		}{Body: requirementResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-coverage",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/coverage",
		Summary:     "Coverage report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body domain.CoverageReport `json:"body"`
	}, error) {
		rep, err := e.Coverage(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CoverageReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-requirements",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/approve-requirements",
		Summary:     "Approve the requirement set and open planning",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ApproveRequirements(ctx, input.SessionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-plan",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/approve-plan",
		Summary:     "Approve the stage/task mapping and open code generation",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ApprovePlan(ctx, input.SessionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-stage",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/stages/{stage_id}/run",
		Summary:     "Record task outcomes for a sub-stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string          `path:"session_id"`
		StageID   string          `path:"stage_id"`
		Body      RunStageRequest `json:"body"`
	}) (*struct {
		Body StageResultResponse `json:"body"`
	}, error) {
		if len(input.Body.Tasks) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "at least one task is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RunStage(ctx, input.SessionID, input.StageID, tasksFromInputs(input.Body.Tasks), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResultResponse `json:"body"`
		}{Body: stageResultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "waive-stage",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/stages/{stage_id}/waive",
		Summary:     "Waive a blocked sub-stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string            `path:"session_id"`
		StageID   string            `path:"stage_id"`
		Body      WaiveStageRequest `json:"body"`
	}) (*struct {
		Body StageRecordResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Justification) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "justification is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.WaiveStage(ctx, input.SessionID, input.StageID, actorID, input.Body.Justification)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageRecordResponse `json:"body"`
		}{Body: stageRecordResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/stages",
		Summary:     "List sub-stage records",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body []StageRecordResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListStageRecords(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]StageRecordResponse, 0, len(items))
		for _, rec := range items {
			res = append(res, stageRecordResponse(rec))
		}
		return &struct {
			Body []StageRecordResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-for-verification",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/submit",
		Summary:     "Close code generation and enter verification",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SubmitForVerification(ctx, input.SessionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})
}

func registerVerification(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/verify",
		Summary:     "Evaluate quality and coverage gates",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string        `path:"session_id"`
		Body      VerifyRequest `json:"body"`
	}) (*struct {
		Body GateOutcomeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.Verify(ctx, engine.VerifyOptions{
			SessionID:    input.SessionID,
			ChecksPassed: input.Body.Passed,
			Metrics:      input.Body.Metrics,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateOutcomeResponse `json:"body"`
		}{Body: gateOutcomeResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-handoff",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/handoff",
		Summary:     "Acknowledge delivery and close the session",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.AcknowledgeHandoff(ctx, input.SessionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID  string `path:"session_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"session,requirement,stage,gate,"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		if input.Cursor != "" {
			cursorID, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			items, err := e.Repo.EventsAfter(ctx, limit+1, cursorID, input.SessionID)
			if err != nil {
				return nil, handleError(err)
			}
			return paginateEvents(items, limit), nil
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, input.SessionID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return paginateEvents(items, limit), nil
	})
}

func paginateEvents(items []domain.Event, limit int) *struct {
	Body paginatedEvents `json:"body"`
} {
	resp := paginatedEvents{Items: []EventResponse{}}
	if len(items) > limit {
		resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
		items = items[:limit]
	}
	for _, evt := range items {
		resp.Items = append(resp.Items, eventResponse(evt))
	}
	return &struct {
		Body paginatedEvents `json:"body"`
	}{Body: resp}
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		plaintext, key, err := e.CreateAPIKey(ctx, input.Body.ActorID, stringOrEmpty(input.Body.Name))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       plaintext,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			res = append(res, APIKeyResponse{
				ID:        k.ID,
				ActorID:   k.ActorID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/keys/{key_id}",
		Summary:       "Delete API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
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
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
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
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
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
