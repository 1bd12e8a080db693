// Package workflowapi exposes message admission, workflow lookup and
// approval decisions over HTTP.
package workflowapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/herald/internal/approval"
	"github.com/linnemanlabs/herald/internal/postgres"
	"github.com/linnemanlabs/herald/internal/workflow"
)

const maxBodyBytes = 1 << 20

// Engine defines the workflow operations the API needs.
type Engine interface {
	Submit(ctx context.Context, msg workflow.Message) error
	Get(ctx context.Context, id string) (*workflow.Record, bool, error)
}

// Approvals defines the approval inbox operations the API needs.
type Approvals interface {
	Pending() []approval.Request
	Decide(ctx context.Context, handle string, d approval.Decision) (approval.Request, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	engine    Engine
	approvals Approvals
	auth      func(http.Handler) http.Handler
	feed      http.Handler
}

// Option configures an API.
type Option func(*API)

// WithAuth wraps every /api/v1 route in mw.
func WithAuth(mw func(http.Handler) http.Handler) Option {
	return func(a *API) { a.auth = mw }
}

// WithStatusFeed mounts h at /api/v1/status/ws.
func WithStatusFeed(h http.Handler) Option {
	return func(a *API) { a.feed = h }
}

// New creates a new API handler.
func New(logger log.Logger, engine Engine, approvals Approvals, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if engine == nil {
		panic(xerrors.New("workflow engine is required"))
	}
	if approvals == nil {
		panic(xerrors.New("approval inbox is required"))
	}
	a := &API{
		logger:    logger,
		engine:    engine,
		approvals: approvals,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if a.auth != nil {
			r.Use(a.auth)
		}
		r.Use(httpOrigin)

		r.Post("/messages", a.handleSubmitMessage)
		r.Get("/workflows/{id}", a.handleGetWorkflow)
		r.Get("/approvals", a.handleListApprovals)
		r.Post("/approvals/{handle}", a.handleDecideApproval)
		if a.feed != nil {
			r.Handle("/status/ws", a.feed)
		}
	})
}

// httpOrigin labels store queries issued by API requests.
func httpOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(postgres.WithOrigin(r.Context(), "http")))
	})
}

func (a *API) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("herald.message.id", id))

	rec, ok, err := a.engine.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get workflow record", "message_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("herald.workflow.status", string(rec.Status)))
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
