/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:    Unique ID per request for tracing
  2. RealIP:       Client address behind proxies
  3. AccessLog:    zerolog access log + HTTP metrics
  4. Recoverer:    Panic recovery (500 instead of crash)
  5. CORS:         Cross-origin requests for frontends
  6. Authenticate: Bearer session token (protected groups only)

ROUTE GROUPS:
  /api/accounts, /api/sessions   Public registration and login
  /api/accounts/{id}/*           Account owner operations
  /api/agents/*, /api/requests/* Agent operations
  /api/admin/*                   Admin operations
  /healthz, /metrics             Operational endpoints

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// RouterOptions carries the optional pieces of the router.
type RouterOptions struct {
	AllowedOrigins []string
	Log            zerolog.Logger
	Observer       HTTPObserver
	Metrics        http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(opts.Log.With().Str("component", "http").Logger(), opts.Observer))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/accounts", h.Register)
		r.Post("/sessions", h.Login)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(h.Auth))

			r.Delete("/sessions", h.Logout)

			r.Route("/accounts/{id}", func(r chi.Router) {
				r.Get("/balance", h.GetBalance)
				r.Get("/history", h.GetHistory)
				r.Post("/send", h.Send)
				r.Post("/cash-in", h.CashIn)
				r.Post("/cash-out", h.CashOut)
			})

			r.Get("/agents/{id}/requests", h.ListAgentRequests)

			r.Route("/requests/{id}", func(r chi.Router) {
				r.Post("/approve", h.ApproveRequest)
				r.Post("/reject", h.RejectRequest)
			})

			r.Route("/admin/accounts/{id}", func(r chi.Router) {
				r.Post("/activate", h.Activate)
				r.Post("/credit", h.Credit)
			})
		})
	})

	return r
}
