package gateway

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"agentgate/internal/domain"
	"agentgate/internal/infra/middleware"
)

const defaultMaxBodyBytes = 1 << 20

// newRouter wires the fixed middleware chain in front of the API routes.
// Each link short-circuits: a rejected request never reaches the next one.
func newRouter(deps Deps, logger *slog.Logger) http.Handler {
	h := &handlers{deps: deps, logger: logger}

	maxBody := deps.Gateway.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(logger),
		middleware.Recover(logger),
		middleware.AccessLog(logger, deps.Metrics.ObserveRequest),
		middleware.SecurityHeaders,
		middleware.CORS(deps.Gateway.CORS.AllowedOrigins),
	)
	if deps.RateLimiter != nil {
		r.Use(deps.RateLimiter.Middleware)
	}
	r.Use(
		middleware.APIKeyAuth(deps.Gateway.APIKey),
		middleware.MaxBodySize(maxBody),
	)

	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Route("/api", func(r chi.Router) {
		r.NotFound(notFound)
		r.MethodNotAllowed(methodNotAllowed)

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.createAgent)
		r.Get("/agents/{id}", h.getAgent)

		r.Post("/chat/ritual-workflow", h.ritual)
		r.Post("/chat/{id}", h.chat)
		r.Get("/chat/{id}/ws", h.chatWS)

		r.Post("/quick-chat", h.quickChat)
	})
	return r
}

func notFound(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, domain.NewSubSystemError("endpoint", "gateway", domain.ErrNotFound, r.Method+" "+r.URL.Path))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, domain.NewDomainError("gateway", domain.ErrMethodNotAllowed, r.Method+" "+r.URL.Path))
}

// newAdminRouter serves health and metrics outside the API chain.
func newAdminRouter(deps Deps, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Get("/healthz", deps.Metrics.healthHandler(deps.Agents))
	r.Get("/metrics", deps.Metrics.metricsHandler(deps.Agents))
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)
	return r
}
