package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"queueline/internal/domain"
	"queueline/internal/engine"
	"queueline/internal/metrics"
	"queueline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"no_eligible_agent"`
	Message string         `json:"message" example:"no eligible agent"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the admin API under BasePath and
// Prometheus metrics at /metrics.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are reported as 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestIDMiddleware(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", cfg.Engine.Recorder.Handler())

	hcfg := huma.DefaultConfig("Queueline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDistribution(group, cfg.Engine)
	registerReallocation(group, cfg.Engine)
	registerCaches(group, cfg.Engine)
	registerMetrics(group, cfg.Engine)
	registerAssignments(group, cfg.Repo)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestIDMiddleware tags every request with an X-Request-Id and logs its outcome.
func requestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", sw.status, "request_id", id, "elapsed", time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
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
	var nf engine.NotFoundError
	switch {
	case errors.Is(err, engine.ErrNoEligibleAgent):
		return newAPIError(http.StatusNotFound, "no_eligible_agent", err.Error(), nil)
	case errors.As(err, &nf):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"entity": nf.Entity, "id": nf.ID})
	case engine.IsNotFound(err):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case engine.IsBadRequest(err):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
    <title>Queueline API Docs</title>
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

func registerDistribution(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "distribute-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{ticket_id}/distribute",
		Summary:     "Assign a ticket to an agent of its queue",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TicketID string `path:"ticket_id"`
	}) (*struct {
		Body TicketResponse `json:"body"`
	}, error) {
		t, err := e.Distribute(ctx, input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketResponse `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "redistribute-queue",
		Method:      http.MethodPost,
		Path:        "/queues/{queue_id}/redistribute",
		Summary:     "Distribute every unassigned queued ticket of a queue",
	}, func(ctx context.Context, input *struct {
		QueueID string `path:"queue_id"`
	}) (*struct {
		Body RedistributeResponse `json:"body"`
	}, error) {
		res := e.RedistributeQueue(ctx, input.QueueID)
		return &struct {
			Body RedistributeResponse `json:"body"`
		}{Body: RedistributeResponse{
			QueueID:     input.QueueID,
			Distributed: res.Distributed,
			Failed:      res.Failed,
			Skipped:     res.Skipped,
		}}, nil
	})
}

func registerReallocation(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reallocate-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{ticket_id}/reallocate",
		Summary:     "Move a ticket to another agent",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TicketID string `path:"ticket_id"`
		Body     ReallocateRequest
	}) (*struct {
		Body TicketResponse `json:"body"`
	}, error) {
		reason := strings.TrimSpace(input.Body.Reason)
		if reason == "" {
			reason = "manual reallocation by " + subject(ctx)
		}
		if err := e.Reallocate(ctx, input.TicketID, input.Body.AgentID, reason); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Stores.Tickets.GetTicket(ctx, input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketResponse `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-expired",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Reallocate tickets whose agent missed the response timeout",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		res, err := e.ReallocateExpired(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Checked: res.Checked, Reallocated: res.Reallocated, Failed: res.Failed}}, nil
	})
}

func registerCaches(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "invalidate-config-cache",
		Method:        http.MethodDelete,
		Path:          "/cache/configs/{queue_id}",
		Summary:       "Drop the cached distribution configuration of a queue",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		QueueID string `path:"queue_id"`
	}) (*struct{}, error) {
		e.InvalidateConfigCache(input.QueueID)
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "invalidate-skill-cache",
		Method:        http.MethodDelete,
		Path:          "/cache/skills/{agent_id}",
		Summary:       "Drop the cached skills of an agent",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct{}, error) {
		e.InvalidateSkillCache(input.AgentID)
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "flush-caches",
		Method:        http.MethodDelete,
		Path:          "/cache",
		Summary:       "Flush every cache",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		e.FlushAllCaches()
		return &struct{}{}, nil
	})
}

func registerMetrics(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "metrics-snapshot",
		Method:      http.MethodGet,
		Path:        "/metrics/snapshot",
		Summary:     "Distribution counters and cache statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body metrics.Snapshot `json:"body"`
	}, error) {
		return &struct {
			Body metrics.Snapshot `json:"body"`
		}{Body: e.Metrics()}, nil
	})
}

func registerAssignments(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/queues/{queue_id}/assignments",
		Summary:     "List assignment log entries of a queue, newest first",
	}, func(ctx context.Context, input *struct {
		QueueID  string `path:"queue_id"`
		TicketID string `query:"ticket_id"`
		AgentID  string `query:"agent_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body AssignmentList `json:"body"`
	}, error) {
		items, err := r.ListAssignments(ctx, repo.AssignmentFilter{
			QueueID:  input.QueueID,
			TicketID: input.TicketID,
			AgentID:  input.AgentID,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := AssignmentList{Items: []AssignmentResponse{}}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body AssignmentList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assignment-summary",
		Method:      http.MethodGet,
		Path:        "/queues/{queue_id}/assignments/summary",
		Summary:     "Assignment counts per agent and strategy",
	}, func(ctx context.Context, input *struct {
		QueueID string `path:"queue_id"`
	}) (*struct {
		Body SummaryList `json:"body"`
	}, error) {
		rows, err := r.AssignmentSummary(ctx, input.QueueID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := SummaryList{QueueID: input.QueueID, Items: rows}
		if resp.Items == nil {
			resp.Items = []domain.AssignmentSummaryRow{}
		}
		return &struct {
			Body SummaryList `json:"body"`
		}{Body: resp}, nil
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
