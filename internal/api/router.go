// Package api serves the operational surface: job status and manual runs,
// message classification, knowledge import and the real-time socket.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kalambet/hostrd/internal/classifier"
	"github.com/kalambet/hostrd/internal/hub"
	"github.com/kalambet/hostrd/internal/jobs"
	"github.com/kalambet/hostrd/internal/knowledge"
	"github.com/kalambet/hostrd/internal/metrics"
	"github.com/kalambet/hostrd/internal/scheduler"
)

const maxRequestBodySize = 1 << 20 // 1MB

// JobRunner is the scheduler as seen by operators.
type JobRunner interface {
	Jobs() []scheduler.Info
	LastRun(name string) (jobs.JobRun, bool)
	Trigger(ctx context.Context, name string) (jobs.JobRun, error)
}

type MessageClassifier interface {
	Classify(ctx context.Context, tenantID, text string) classifier.Result
}

type KnowledgeImporter interface {
	ImportText(ctx context.Context, tenantID, name, text string) (knowledge.Result, error)
}

type Deps struct {
	Jobs       JobRunner
	Classifier MessageClassifier
	Knowledge  KnowledgeImporter
	Hub        *hub.Hub
	Authorizer hub.Authorizer
	Tokens     *TenantTokens // required for /ws and /tokens
	Metrics    *metrics.Metrics // optional
	MCP        http.Handler     // optional; served at /mcp behind the token
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.Authorizer == nil {
		deps.Authorizer = hub.PrincipalAuthorizer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Get("/health", handleHealth)
	if deps.Hub != nil && deps.Tokens != nil {
		r.With(TenantAuth(deps.Tokens)).Handle("/ws", hub.Handler(deps.Hub, deps.Authorizer))
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{name}", handleGetJob(deps))
		r.Post("/jobs/{name}/run", handleRunJob(deps))
		r.Post("/classify", handleClassify(deps))
		r.Post("/tenants/{tenant}/knowledge", handleImportKnowledge(deps))
		if deps.Tokens != nil {
			r.Post("/tokens", handleIssueToken(deps))
		}
		if deps.MCP != nil {
			r.Handle("/mcp", deps.MCP)
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
