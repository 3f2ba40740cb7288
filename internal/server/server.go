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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/engine/auth"
	"signoff/internal/metrics"
	"signoff/internal/repo"
)

const DefaultBasePath = "/v1"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      zerolog.Logger
	Version  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_authorized"`
	Message string         `json:"message" example:"principal sup2 not authorized: workflow.approve.team required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"workflow.approve.team\"}"`
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

// New returns an HTTP handler exposing the signoff API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
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
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(accessLog(cfg.Log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine, cfg.Log))
	hcfg := huma.DefaultConfig("Signoff API", version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	router.Handle("/metrics", metrics.Handler())
	registerHealth(group, e)
	registerAuthorize(group, e)
	registerDelegations(group, e)
	registerTemplates(group, e)
	registerInstances(group, e)
	registerDirectory(group, e)
	registerEvents(group, e)
	registerOpenAPI(router, api, basePath)

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

var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	{engine.ErrNotAuthorized, http.StatusForbidden, "not_authorized"},
	{engine.ErrCommentsRequired, http.StatusUnprocessableEntity, "comments_required"},
	{engine.ErrStaleInstanceState, http.StatusConflict, "stale_instance_state"},
	{engine.ErrTemplateInactive, http.StatusConflict, "template_inactive"},
	{engine.ErrTemplateInUse, http.StatusConflict, "template_in_use"},
	{engine.ErrInstanceClosed, http.StatusConflict, "instance_closed"},
	{engine.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
	{engine.ErrInvalidPermissionCode, http.StatusBadRequest, "invalid_permission_code"},
	{engine.ErrInvalidTemplateDefinition, http.StatusBadRequest, "invalid_template_definition"},
	{engine.ErrInvalidDelegation, http.StatusBadRequest, "invalid_delegation"},
	{engine.ErrInvalidRequest, http.StatusBadRequest, "bad_request"},
	{repo.ErrNotFound, http.StatusNotFound, "not_found"},
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var nae engine.NotAuthorizedError
	if errors.As(err, &nae) {
		details := map[string]any{"principal": nae.Principal}
		if nae.Permission != "" {
			details["permission"] = nae.Permission
		}
		return newAPIError(http.StatusForbidden, "not_authorized", err.Error(), details)
	}
	for _, m := range errorStatuses {
		if errors.Is(err, m.err) {
			return newAPIError(m.status, m.code, err.Error(), nil)
		}
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

func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", time.Since(started)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("Request served")
		})
	}
}

// requirePermission checks that the caller holds code on rc.
func requirePermission(ctx context.Context, e engine.Engine, code string, rc auth.ResourceContext) error {
	principal, authErr := principalIDFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	dec, err := e.Authorize(ctx, engine.AuthorizeRequest{PrincipalID: principal, PermissionCode: code, Resource: rc})
	if err != nil {
		return err
	}
	if !dec.Allow {
		return engine.NotAuthorizedError{Principal: principal, Permission: code, Reason: dec.Reason}
	}
	return nil
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
    <title>Signoff API Docs</title>
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

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]any], error) {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := e.DB.PingContext(ctx); err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "store_unavailable", "store unreachable", nil)
		}
		return respond(map[string]any{"status": "ok", "store": string(e.DB.Dialect)}), nil
	})
}

func registerAuthorize(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "authorize",
		Method:      http.MethodPost,
		Path:        "/permissions/authorize",
		Summary:     "Evaluate a permission check",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body AuthorizeRequest
	}) (*output[AuthorizeResponse], error) {
		if _, authErr := principalIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		rc, err := toResourceContext(input.Body.ResourceContext)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		dec, err := e.Authorize(ctx, engine.AuthorizeRequest{
			PrincipalID:    input.Body.Principal,
			PermissionCode: input.Body.PermissionCode,
			Resource:       rc,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(AuthorizeResponse{Allow: dec.Allow, Via: dec.Via, Reason: dec.Reason}), nil
	})
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

func registerDelegations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-delegation",
		Method:        http.MethodPost,
		Path:          "/delegations",
		Summary:       "Create delegation",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateDelegationRequest
	}) (*output[domain.Delegation], error) {
		actorID, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		from, err := engine.ParseTime(input.Body.ValidFrom)
		if err != nil {
			return nil, handleError(err)
		}
		until, err := engine.ParseTime(input.Body.ValidUntil)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.CreateDelegation(ctx, engine.CreateDelegationOptions{
			ID:          input.Body.ID,
			DelegatorID: input.Body.DelegatorID,
			DelegateID:  input.Body.DelegateID,
			Filters:     input.Body.Filters,
			Permissions: input.Body.Permissions,
			ValidFrom:   from,
			ValidUntil:  until,
			Reason:      input.Body.Reason,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-delegation",
		Method:      http.MethodPost,
		Path:        "/delegations/{id}/revoke",
		Summary:     "Revoke delegation",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.Delegation], error) {
		actorID, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.RevokeDelegation(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-delegations",
		Method:      http.MethodGet,
		Path:        "/delegations",
		Summary:     "List delegations; with as_of only those active for the principal",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Principal string `query:"principal"`
		AsOf      string `query:"as_of" format:"date-time"`
	}) (*output[[]domain.Delegation], error) {
		if _, authErr := principalIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var asOf *time.Time
		if input.AsOf != "" {
			t, err := engine.ParseTime(input.AsOf)
			if err != nil {
				return nil, handleError(err)
			}
			asOf = &t
		}
		items, err := e.ListDelegations(ctx, input.Principal, asOf)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-delegation",
		Method:      http.MethodGet,
		Path:        "/delegations/{id}",
		Summary:     "Get delegation",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.Delegation], error) {
		if _, authErr := principalIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.GetDelegation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(d), nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/workflow-templates",
		Summary:       "Create workflow template",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest
	}) (*output[domain.WorkflowTemplate], error) {
		actorID, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTemplate(ctx, engine.CreateTemplateOptions{
			ID:           input.Body.ID,
			Name:         input.Body.Name,
			ResourceType: input.Body.ResourceType,
			Steps:        toSteps(input.Body.Steps),
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(templateResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-template",
		Method:      http.MethodPut,
		Path:        "/workflow-templates/{id}",
		Summary:     "Publish a new template version",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UpdateTemplateRequest
	}) (*output[domain.WorkflowTemplate], error) {
		actorID, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTemplate(ctx, engine.UpdateTemplateOptions{
			ID:      input.ID,
			Name:    input.Body.Name,
			Steps:   toSteps(input.Body.Steps),
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(templateResponse(t)), nil
	})

	for _, op := range []struct {
		id, verb, summary string
		fn                func(context.Context, string, string) (domain.WorkflowTemplate, error)
	}{
		{"deactivate-template", "deactivate", "Deactivate template", e.DeactivateTemplate},
		{"activate-template", "activate", "Reactivate template", e.ActivateTemplate},
	} {
		fn := op.fn
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/workflow-templates/{id}/" + op.verb,
			Summary:     op.summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*output[domain.WorkflowTemplate], error) {
			actorID, authErr := principalIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			t, err := fn(ctx, input.ID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return respond(templateResponse(t)), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/workflow-templates",
		Summary:     "List workflow templates",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ResourceType    string `query:"resource_type"`
		IncludeInactive bool   `query:"include_inactive"`
	}) (*output[[]domain.WorkflowTemplate], error) {
		if _, authErr := principalIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListTemplates(ctx, repo.TemplateFilters{ResourceType: input.ResourceType, IncludeInactive: input.IncludeInactive})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(mapTemplates(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/workflow-templates/{id}",
		Summary:     "Get workflow template",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.WorkflowTemplate], error) {
		if _, authErr := principalIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(templateResponse(t)), nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-instance",
		Method:        http.MethodPost,
		Path:          "/workflow-instances",
		Summary:       "Start a workflow for a resource",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body StartInstanceRequest
	}) (*output[domain.WorkflowInstance], error) {
		actorID, authErr := actingAs(ctx, input.Body.ActorID)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.StartInstance(ctx, engine.StartOptions{
			ID:         input.Body.ID,
			TemplateID: input.Body.TemplateID,
			ResourceID: input.Body.ResourceID,
			ActorID:    actorID,
			UnitPath:   input.Body.UnitPath,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(instanceResponse(inst)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/workflow-instances/{id}",
		Summary:     "Get workflow instance with its decision log",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.WorkflowInstance], error) {
		if _, authErr := principalIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		inst, err := e.GetInstance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(instanceResponse(inst)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-instance",
		Method:      http.MethodPost,
		Path:        "/workflow-instances/{id}/decide",
		Summary:     "Submit a decision on the current step",
		Errors:      append([]int{http.StatusUnprocessableEntity}, mutationErrors...),
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body DecideRequest
	}) (*output[domain.WorkflowInstance], error) {
		actorID, authErr := actingAs(ctx, input.Body.ActorID)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.SubmitDecision(ctx, decisionOptions(input.ID, actorID, input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(instanceResponse(inst)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-instance",
		Method:      http.MethodPost,
		Path:        "/workflow-instances/{id}/cancel",
		Summary:     "Cancel a workflow instance",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body *CancelRequest `required:"false"`
	}) (*output[domain.WorkflowInstance], error) {
		var body CancelRequest
		if input.Body != nil {
			body = *input.Body
		}
		actorID, authErr := actingAs(ctx, body.ActorID)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.CancelInstance(ctx, input.ID, actorID, body.Comments)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(instanceResponse(inst)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/workflow-instances",
		Summary:     "List workflow instances; approver selects those awaiting that principal",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Approver     string `query:"approver"`
		Status       string `query:"status"`
		ResourceType string `query:"resource_type"`
		TemplateID   string `query:"template_id"`
		CreatedBy    string `query:"created_by"`
		Open         bool   `query:"open"`
		Limit        int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*output[[]domain.WorkflowInstance], error) {
		if _, authErr := principalIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Approver != "" {
			items, err := e.ListAwaiting(ctx, input.Approver)
			if err != nil {
				return nil, handleError(err)
			}
			return respond(mapInstances(items)), nil
		}
		items, err := e.ListInstances(ctx, repo.InstanceFilters{
			OpenOnly:     input.Open,
			Status:       input.Status,
			ResourceType: input.ResourceType,
			TemplateID:   input.TemplateID,
			CreatedBy:    input.CreatedBy,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(mapInstances(items)), nil
	})
}

func registerDirectory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List roles",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Role], error) {
		if _, authErr := principalIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		roles, err := e.ListRoles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(roles)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-principals",
		Method:      http.MethodGet,
		Path:        "/principals",
		Summary:     "List principals",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*output[[]domain.Principal], error) {
		if _, authErr := principalIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListPrincipals(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]domain.Principal, 0, len(items))
		for _, p := range items {
			res = append(res, principalResponse(p))
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-principal",
		Method:      http.MethodGet,
		Path:        "/principals/{id}",
		Summary:     "Get principal",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.Principal], error) {
		if _, authErr := principalIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.GetPrincipal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(principalResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-principal",
		Method:      http.MethodPut,
		Path:        "/principals/{id}",
		Summary:     "Create or update principal",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body PutPrincipalRequest
	}) (*output[domain.Principal], error) {
		actorID, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.PutPrincipal(ctx, engine.PutPrincipalOptions{
			ID:          input.ID,
			RoleCode:    input.Body.RoleCode,
			UnitPath:    input.Body.UnitPath,
			DisplayName: input.Body.DisplayName,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(principalResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal, role and active delegations",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*output[MeResponse], error) {
		caller, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		p, err := e.GetPrincipal(ctx, caller.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := MeResponse{Principal: principalResponse(p), Source: caller.Source}
		roles, err := e.ListRoles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		for _, r := range roles {
			if r.Code == p.RoleCode {
				resp.Role = r
			}
		}
		asOf := time.Now()
		if e.Now != nil {
			asOf = e.Now()
		}
		acting, err := e.ActiveDelegationsFor(ctx, p.ID, asOf)
		if err != nil {
			return nil, handleError(err)
		}
		resp.Acting = nonNilSlice(acting)
		return respond(resp), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events newest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Cursor     int64  `query:"cursor" minimum:"0"`
		Limit      int    `query:"limit" minimum:"0" maximum:"200"`
	}) (*output[paginatedEvents], error) {
		if err := requirePermission(ctx, e, "workflow.manage.organization", auth.ResourceContext{ResourceType: "workflow"}); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     input.Cursor,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = items[len(items)-1].ID
		}
		resp.Items = append(resp.Items, items...)
		return respond(resp), nil
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
