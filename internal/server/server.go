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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"obratrack/internal/access"
	"obratrack/internal/catalog"
	"obratrack/internal/engine"
	"obratrack/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"only the stage's responsible role may modify it"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Obratrack API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Obratrack API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCatalog(group)
	registerWorks(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerAttachments(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerUploadRoutes(router, basePath, cfg.Engine)
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
	var fe access.ForbiddenError
	if errors.As(err, &fe) {
		details := map[string]any{"role": fe.Role}
		if fe.Tag != "" {
			details["responsible"] = fe.Tag
		}
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), details)
	}
	var ipe catalog.InvalidPeriodError
	if errors.As(err, &ipe) {
		return newAPIError(http.StatusBadRequest, "invalid_period", err.Error(), map[string]any{"period": ipe.Period})
	}
	var mwe catalog.MissingWorkTypeError
	if errors.As(err, &mwe) {
		return newAPIError(http.StatusBadRequest, "missing_work_type", err.Error(), map[string]any{"period": mwe.Period})
	}
	var tle engine.TooLargeError
	if errors.As(err, &tle) {
		return newAPIError(http.StatusRequestEntityTooLarge, "too_large", err.Error(), map[string]any{"limit_bytes": tle.Limit})
	}
	var ute engine.UnsupportedTypeError
	if errors.As(err, &ute) {
		return newAPIError(http.StatusUnsupportedMediaType, "unsupported_type", err.Error(), map[string]any{"media_type": ute.MediaType})
	}
	if errors.Is(err, repo.ErrDuplicateNumber) {
		return newAPIError(http.StatusConflict, "duplicate_number", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "must be") || strings.Contains(lowered, "cannot be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Obratrack API Docs</title>
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

func registerCatalog(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-periods",
		Method:      http.MethodGet,
		Path:        "/catalog/periods",
		Summary:     "List audit periods",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []catalog.PeriodInfo `json:"body"`
	}, error) {
		return &struct {
			Body []catalog.PeriodInfo `json:"body"`
		}{Body: catalog.Periods()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-period-templates",
		Method:      http.MethodGet,
		Path:        "/catalog/periods/{period}",
		Summary:     "Stage templates for a period",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Period   string `path:"period"`
		WorkType string `query:"work_type" enum:"finished,in_progress,"`
	}) (*struct {
		Body []catalog.StageTemplate `json:"body"`
	}, error) {
		templates, err := catalog.Resolve(input.Period, input.WorkType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []catalog.StageTemplate `json:"body"`
		}{Body: templates}, nil
	})
}

func registerWorks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work",
		Method:        http.MethodPost,
		Path:          "/works",
		Summary:       "Create work with its stage set",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkRequest `json:"body"`
	}) (*struct {
		Body WorkWithStagesResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actor.Role == access.RoleReadOnly {
			return nil, handleError(access.ForbiddenError{Role: actor.Role})
		}
		opts := engine.WorkCreateOptions{
			Number: input.Body.Number,
			Name:   input.Body.Name,
			Year:   input.Body.Year,
			Month:  input.Body.Month,
			Period: input.Body.Period,
		}
		if input.Body.Notes != nil {
			opts.Notes = *input.Body.Notes
		}
		if input.Body.Status != nil {
			opts.Status = *input.Body.Status
		}
		if input.Body.WorkType != nil {
			opts.WorkType = *input.Body.WorkType
		}
		w, stages, err := e.CreateWork(ctx, opts, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkWithStagesResponse `json:"body"`
		}{Body: WorkWithStagesResponse{Work: workResponse(w), Stages: mapStages(stages)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-works",
		Method:      http.MethodGet,
		Path:        "/works",
		Summary:     "List works",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Period string `query:"period"`
		Status string `query:"status" enum:"not_started,in_progress,closed,"`
		Year   int    `query:"year"`
		Trash  bool   `query:"trash"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []WorkResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListWorks(ctx, repo.WorkFilters{
			Period: input.Period,
			Status: input.Status,
			Year:   input.Year,
			Trash:  input.Trash,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkResponse `json:"body"`
		}{Body: mapWorks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work",
		Method:      http.MethodGet,
		Path:        "/works/{work_id}",
		Summary:     "Get work with stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkID string `path:"work_id"`
	}) (*struct {
		Body WorkWithStagesResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		w, stages, err := e.GetWork(ctx, input.WorkID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkWithStagesResponse `json:"body"`
		}{Body: WorkWithStagesResponse{Work: workResponse(w), Stages: mapStages(stages)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work",
		Method:      http.MethodPatch,
		Path:        "/works/{work_id}",
		Summary:     "Update work fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkID string            `path:"work_id"`
		Body   UpdateWorkRequest `json:"body"`
	}) (*struct {
		Body WorkResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actor.Role == access.RoleReadOnly {
			return nil, handleError(access.ForbiddenError{Role: actor.Role})
		}
		w, err := e.UpdateWork(ctx, input.WorkID, engine.WorkUpdateOptions{
			Number: input.Body.Number,
			Name:   input.Body.Name,
			Year:   input.Body.Year,
			Month:  input.Body.Month,
			Notes:  input.Body.Notes,
			Status: input.Body.Status,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkResponse `json:"body"`
		}{Body: workResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-work",
		Method:      http.MethodDelete,
		Path:        "/works/{work_id}",
		Summary:     "Soft-delete work",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkID string `path:"work_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SoftDeleteWork(ctx, input.WorkID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-work",
		Method:      http.MethodPost,
		Path:        "/works/{work_id}/restore",
		Summary:     "Restore soft-deleted work",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkID string `path:"work_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RestoreWork(ctx, input.WorkID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purge-work",
		Method:      http.MethodDelete,
		Path:        "/works/{work_id}/purge",
		Summary:     "Permanently delete a soft-deleted work",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkID string `path:"work_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.PermanentDeleteWork(ctx, input.WorkID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-summary",
		Method:      http.MethodGet,
		Path:        "/works/{work_id}/summary",
		Summary:     "Work progress report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkID string `path:"work_id"`
	}) (*struct {
		Body engine.WorkSummary `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		summary, err := e.Summary(ctx, input.WorkID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.WorkSummary `json:"body"`
		}{Body: summary}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}",
		Summary:     "Get stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetStage(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: stageResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stage",
		Method:      http.MethodPatch,
		Path:        "/stages/{stage_id}",
		Summary:     "Patch stage fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		StageID string             `path:"stage_id"`
		Body    UpdateStageRequest `json:"body"`
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.UpdateStage(ctx, input.StageID, engine.StagePatch{
			Name:       input.Body.Name,
			State:      input.Body.State,
			Progress:   input.Body.Progress,
			Checklist:  input.Body.Checklist,
			Data:       input.Body.Data,
			Notes:      input.Body.Notes,
			AssigneeID: input.Body.AssigneeID,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: stageResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage-schema",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}/schema",
		Summary:     "Declared structured-data fields for the stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct {
		Body engine.StageSchemaReport `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		report, err := e.StageSchema(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StageSchemaReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerAttachments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-attachments",
		Method:      http.MethodGet,
		Path:        "/works/{work_id}/attachments",
		Summary:     "List attachments for a work",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkID  string `path:"work_id"`
		StageID string `query:"stage_id"`
		Trash   bool   `query:"trash"`
	}) (*struct {
		Body []AttachmentResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetWork(ctx, input.WorkID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListAttachments(ctx, repo.AttachmentFilters{
			WorkID:  input.WorkID,
			StageID: input.StageID,
			Trash:   input.Trash,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AttachmentResponse `json:"body"`
		}{Body: mapAttachments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attachment-versions",
		Method:      http.MethodGet,
		Path:        "/attachments/{attachment_id}/versions",
		Summary:     "List the version chain of an attachment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AttachmentID string `path:"attachment_id"`
	}) (*struct {
		Body []AttachmentResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		chain, err := e.ListVersions(ctx, input.AttachmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AttachmentResponse `json:"body"`
		}{Body: mapAttachments(chain)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-attachment",
		Method:      http.MethodDelete,
		Path:        "/attachments/{attachment_id}",
		Summary:     "Soft-delete attachment version",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AttachmentID string `path:"attachment_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SoftDeleteAttachment(ctx, input.AttachmentID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-attachment",
		Method:      http.MethodPost,
		Path:        "/attachments/{attachment_id}/restore",
		Summary:     "Restore soft-deleted attachment version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AttachmentID string `path:"attachment_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RestoreAttachment(ctx, input.AttachmentID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purge-attachment",
		Method:      http.MethodDelete,
		Path:        "/attachments/{attachment_id}/purge",
		Summary:     "Permanently delete a soft-deleted attachment",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AttachmentID string `path:"attachment_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.PermanentDeleteAttachment(ctx, input.AttachmentID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-trail",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit trail",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkID       string `query:"work_id"`
		StageID      string `query:"stage_id"`
		AttachmentID string `query:"attachment_id"`
		EntityType   string `query:"entity_type"`
		Action       string `query:"action"`
		Page         int    `query:"page"`
		Limit        int    `query:"limit"`
	}) (*struct {
		Body AuditTrailResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		page := input.Page
		if page <= 0 {
			page = 1
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		records, total, err := e.AuditTrail(ctx, repo.AuditFilters{
			WorkID:       input.WorkID,
			StageID:      input.StageID,
			AttachmentID: input.AttachmentID,
			EntityType:   input.EntityType,
			Action:       input.Action,
			Page:         page,
			Limit:        limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditTrailResponse `json:"body"`
		}{Body: AuditTrailResponse{
			Records: mapAuditRecords(records),
			Page:    page,
			Limit:   limit,
			Total:   total,
		}}, nil
	})
}

// registerUploadRoutes wires multipart upload and blob download directly on
// the router; streaming bodies fit chi better than the typed API layer.
func registerUploadRoutes(router chi.Router, basePath string, e engine.Engine) {
	uploadTimeout := time.Duration(e.Config.Uploads.TimeoutSeconds) * time.Second
	if uploadTimeout <= 0 {
		uploadTimeout = 60 * time.Second
	}

	router.Post(path.Join(basePath, "/works/{work_id}/attachments"), func(w http.ResponseWriter, r *http.Request) {
		actor, authErr := actorFromContext(r.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), uploadTimeout)
		defer cancel()

		r.Body = http.MaxBytesReader(w, r.Body, e.Config.Uploads.MaxBytes+1<<20)
		file, header, err := formFile(r)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
			return
		}
		defer file.Close()

		opts := engine.UploadOptions{
			WorkID:    chi.URLParam(r, "work_id"),
			Filename:  header.filename,
			MediaType: header.mediaType,
			Body:      file,
		}
		if stageID := r.URL.Query().Get("stage_id"); stageID != "" {
			opts.StageID = &stageID
		}
		a, err := e.Upload(ctx, opts, actor)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		writeJSON(w, http.StatusCreated, attachmentResponse(a))
	})

	router.Get(path.Join(basePath, "/attachments/{attachment_id}/content"), func(w http.ResponseWriter, r *http.Request) {
		actor, authErr := actorFromContext(r.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		a, rc, err := e.Download(r.Context(), chi.URLParam(r, "attachment_id"), actor)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", a.MediaType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.OriginalFilename))
		w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
		io.Copy(w, rc)
	})
}

type uploadHeader struct {
	filename  string
	mediaType string
}

func formFile(r *http.Request) (io.ReadCloser, uploadHeader, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, uploadHeader{}, fmt.Errorf("parse multipart form: %w", err)
	}
	file, fh, err := r.FormFile("file")
	if err != nil {
		return nil, uploadHeader{}, errors.New("form field 'file' is required")
	}
	mediaType := fh.Header.Get("Content-Type")
	if override := r.FormValue("media_type"); override != "" {
		mediaType = override
	}
	return file, uploadHeader{filename: fh.Filename, mediaType: mediaType}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
