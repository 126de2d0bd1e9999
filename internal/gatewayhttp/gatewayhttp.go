// Package gatewayhttp implements the HTTP API surface: the external
// interface wiring the signal classifier, agent loop, multi-agent
// orchestrator, tool registry, and event bus into request/response and
// SSE endpoints.
//
// Uses a bare http.ServeMux with manual path-segment parsing rather
// than a router dependency. Auth reuses internal/web.AuthMiddleware and
// internal/auth.UserFromContext rather than inventing a second auth
// path.
package gatewayhttp

import (
	"log/slog"
	"net/http"

	"github.com/osacore/osa/internal/agenterr"
	"github.com/osacore/osa/internal/agentloop"
	"github.com/osacore/osa/internal/auth"
	"github.com/osacore/osa/internal/bus"
	"github.com/osacore/osa/internal/orchestrator"
	"github.com/osacore/osa/internal/progress"
	"github.com/osacore/osa/internal/provider"
	"github.com/osacore/osa/internal/ratelimit"
	"github.com/osacore/osa/internal/sessions"
	"github.com/osacore/osa/internal/signal"
	"github.com/osacore/osa/internal/toolregistry"
	"github.com/osacore/osa/internal/web"
)

// Handler serves the HTTP API. All dependencies are the core packages
// themselves; Handler adds no business logic of its own beyond request
// parsing, response envelopes, and the simple/complex routing
// decision delegated to the agent loop.
type Handler struct {
	Loop         *agentloop.Loop
	Orchestrator *orchestrator.Orchestrator
	Classifier   *signal.Classifier
	Providers    *provider.Registry
	Tools        *toolregistry.Registry
	Bus          *bus.Bus
	Sessions     sessions.Store
	Activity     *progress.Tracker
	Limiter      *ratelimit.Limiter
	Auth         *auth.Service
	Logger       *slog.Logger

	mux *http.ServeMux
}

// New builds a Handler and registers every route.
func New(h Handler) *Handler {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	hp := &h
	hp.mux = http.NewServeMux()
	hp.routes()
	return hp
}

func (h *Handler) routes() {
	h.mux.HandleFunc("/api/v1/orchestrate", h.handleOrchestrate)
	h.mux.HandleFunc("/api/v1/orchestrate/", h.handleOrchestrateProgress)
	h.mux.HandleFunc("/api/v1/stream/", h.handleStream)
	h.mux.HandleFunc("/api/v1/classify", h.handleClassify)
	h.mux.HandleFunc("/api/v1/tools", h.handleToolsList)
	h.mux.HandleFunc("/api/v1/tools/", h.handleToolExecute)
	h.mux.HandleFunc("/api/status", h.handleStatus)
}

// ServeHTTP lets Handler be mounted directly on an outer mux, wrapped
// in the shared auth middleware.
//
// Rate limiting runs ahead of auth and routing: one bucket per remote
// address, so a single noisy client can't starve the rest of the
// gateway's API quota regardless of which route it hits.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Limiter != nil && !h.Limiter.Allow(ratelimit.CompositeKey("http", r.RemoteAddr)) {
		writeAgentErr(w, agenterr.New(agenterr.ReasonBlocked, "rate limit exceeded"))
		return
	}
	web.AuthMiddleware(h.Auth, h.Logger)(h.mux).ServeHTTP(w, r)
}
