package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"perfline/internal/audit"
	"perfline/internal/engine"
	"perfline/internal/event"
	"perfline/internal/history"
	"perfline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid review_cycle transition draft -> calibration"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Perfline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
	hcfg := huma.DefaultConfig("Perfline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerCycles(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
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
	var verr *event.ValidationError
	if errors.As(err, &verr) {
		details := make(map[string]any, len(verr.Fields))
		for k, v := range verr.Fields {
			details[k] = v
		}
		return newAPIError(http.StatusBadRequest, "invalid_payload", err.Error(), details)
	}
	var ite engine.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(),
			map[string]any{"from": ite.From, "to": ite.To})
	}
	var ice engine.IncompleteCalibrationError
	if errors.As(err, &ice) {
		return newAPIError(http.StatusConflict, "incomplete_calibration", err.Error(),
			map[string]any{"unresolved_review_ids": ice.Unresolved})
	}
	if errors.Is(err, repo.ErrVersionConflict) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrDuplicate) {
		return newAPIError(http.StatusConflict, "duplicate", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, history.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not in scope"),
		strings.Contains(lowered, "no submitted rating"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Perfline API Docs</title>
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

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Tenant status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cycles, err := e.Repo.ListCycles(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		byStage := map[string]int{}
		for _, c := range cycles {
			byStage[c.Stage]++
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"tenant_id":       p.TenantID,
			"cycles":          len(cycles),
			"cycles_by_stage": byStage,
		}}, nil
	})
}

func registerCycles(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-cycle",
		Method:        http.MethodPost,
		Path:          "/cycles",
		Summary:       "Create review cycle",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateCycleRequest `json:"body"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCycle(ctx, engine.CycleCreateOptions{
			TenantID:            p.TenantID,
			Name:                input.Body.Name,
			SelfReviewDeadline:  input.Body.SelfReviewDeadline,
			ManagerDeadline:     input.Body.ManagerDeadline,
			CalibrationDeadline: input.Body.CalibrationDeadline,
			SharingDeadline:     input.Body.SharingDeadline,
			ParticipantCriteria: input.Body.ParticipantCriteria,
			ActorID:             p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cycles",
		Method:      http.MethodGet,
		Path:        "/cycles",
		Summary:     "List review cycles",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CycleResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListCycles(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CycleResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cycle",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}",
		Summary:     "Get review cycle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetCycle(ctx, p.TenantID, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-cycle",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/advance",
		Summary:     "Advance cycle to the next stage (entering self_assessment launches it)",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CycleID string              `path:"cycle_id"`
		Body    AdvanceCycleRequest `json:"body"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AdvanceCycle(ctx, p.TenantID, input.CycleID, input.Body.ToStage, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-cycle",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/cancel",
		Summary:     "Cancel cycle",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CycleID string             `path:"cycle_id"`
		Body    CancelCycleRequest `json:"body"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CancelCycle(ctx, p.TenantID, input.CycleID, input.Body.Note, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-participants",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/participants",
		Summary:     "Add participants to a draft cycle",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CycleID string                 `path:"cycle_id"`
		Body    AddParticipantsRequest `json:"body"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AddParticipants(ctx, p.TenantID, input.CycleID, input.Body.EmployeeIDs, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-grace-override",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/grace",
		Summary:     "Toggle grace override",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CycleID string               `path:"cycle_id"`
		Body    GraceOverrideRequest `json:"body"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SetGraceOverride(ctx, p.TenantID, input.CycleID, input.Body.Enabled, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cycle-scores",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/scores",
		Summary:     "Composite scores from the scoring service",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		scores, err := e.CycleScores(ctx, p.TenantID, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"cycle_id": input.CycleID, "scores": scores}}, nil
	})
}

func registerReviews(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-review",
		Method:        http.MethodPost,
		Path:          "/reviews",
		Summary:       "Assign a review",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateReviewRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.CreateReview(ctx, engine.ReviewCreateOptions{
			TenantID:   p.TenantID,
			CycleID:    input.Body.CycleID,
			RevieweeID: input.Body.RevieweeID,
			ReviewerID: input.Body.ReviewerID,
			Type:       input.Body.Type,
			ActorID:    p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/reviews",
		Summary:     "List reviews",
	}, func(ctx context.Context, input *struct {
		CycleID    string `query:"cycle_id"`
		RevieweeID string `query:"reviewee_id"`
		ReviewerID string `query:"reviewer_id"`
		Type       string `query:"type"`
		Status     string `query:"status"`
	}) (*struct {
		Body []ReviewResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListReviews(ctx, p.TenantID, repo.ReviewFilter{
			CycleID:    input.CycleID,
			RevieweeID: input.RevieweeID,
			ReviewerID: input.ReviewerID,
			Type:       input.Type,
			Status:     input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ReviewResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-review",
		Method:      http.MethodGet,
		Path:        "/reviews/{review_id}",
		Summary:     "Get review",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReviewID string `path:"review_id"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.Repo.GetReview(ctx, p.TenantID, input.ReviewID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{review_id}/submit",
		Summary:     "Submit review with a rating",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ReviewID string              `path:"review_id"`
		Body     SubmitReviewRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.SubmitReview(ctx, p.TenantID, input.ReviewID, input.Body.Rating, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "share-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{review_id}/share",
		Summary:     "Share review with the reviewee",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ReviewID string `path:"review_id"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.ShareReview(ctx, p.TenantID, input.ReviewID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{review_id}/acknowledge",
		Summary:     "Acknowledge a shared review",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ReviewID string `path:"review_id"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.AcknowledgeReview(ctx, p.TenantID, input.ReviewID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: rv}, nil
	})
}

func registerSessions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "schedule-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Schedule calibration session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ScheduleSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ScheduleSession(ctx, engine.SessionScheduleOptions{
			TenantID:      p.TenantID,
			CycleID:       input.Body.CycleID,
			FacilitatorID: input.Body.FacilitatorID,
			ActorID:       p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List calibration sessions",
	}, func(ctx context.Context, input *struct {
		CycleID string `query:"cycle_id"`
	}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListSessions(ctx, p.TenantID, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get calibration session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSession(ctx, p.TenantID, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/start",
		Summary:     "Start calibration session",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.StartSession(ctx, p.TenantID, input.SessionID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-rating",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/adjust",
		Summary:     "Adjust a rating during calibration",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionID string              `path:"session_id"`
		Body      AdjustRatingRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.AdjustRating(ctx, p.TenantID, input.SessionID, input.Body.ReviewID,
			input.Body.AdjustedRating, input.Body.Rationale, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-reviewed",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/mark-reviewed",
		Summary:     "Resolve a review without changing its rating",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionID string              `path:"session_id"`
		Body      MarkReviewedRequest `json:"body"`
	}) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.MarkReviewed(ctx, p.TenantID, input.SessionID, input.Body.ReviewID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/complete",
		Summary:     "Complete calibration session",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CompleteSession(ctx, p.TenantID, input.SessionID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/cancel",
		Summary:     "Cancel calibration session",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionID string               `path:"session_id"`
		Body      CancelSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CancelSession(ctx, p.TenantID, input.SessionID, input.Body.Reason, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: s}, nil
	})
}

func registerAudit(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query the audit log",
	}, func(ctx context.Context, input *struct {
		AggregateType string `query:"aggregate_type"`
		AggregateID   string `query:"aggregate_id"`
		CorrelationID string `query:"correlation_id"`
		EventType     string `query:"event_type"`
		Limit         int    `query:"limit"`
	}) (*struct {
		Body []AuditResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Audit.List(ctx, audit.Query{
			TenantID:      p.TenantID,
			AggregateType: input.AggregateType,
			AggregateID:   input.AggregateID,
			CorrelationID: input.CorrelationID,
			EventType:     input.EventType,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditResponse `json:"body"`
		}{Body: items}, nil
	})
}

func registerHistory(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/history/{aggregate_type}/{aggregate_id}",
		Summary:     "List aggregate history",
	}, func(ctx context.Context, input *struct {
		AggregateType string `path:"aggregate_type"`
		AggregateID   string `path:"aggregate_id"`
	}) (*struct {
		Body []HistoryResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.History.ListHistory(ctx, p.TenantID, input.AggregateType, input.AggregateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HistoryResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "history-as-of",
		Method:      http.MethodGet,
		Path:        "/history/{aggregate_type}/{aggregate_id}/as-of",
		Summary:     "Reconstruct aggregate state at an instant",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AggregateType string `path:"aggregate_type"`
		AggregateID   string `path:"aggregate_id"`
		At            string `query:"at" required:"true" format:"date-time"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		at, err := time.Parse(time.RFC3339, input.At)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "at must be RFC3339", nil)
		}
		rec, rerr := e.History.ReconstructAsOf(ctx, p.TenantID, input.AggregateType, input.AggregateID, at)
		if rerr != nil {
			return nil, handleError(rerr)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: rec}, nil
	})
}
