/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. CORS:       Cross-origin requests for the back-office frontend
  4. Request logging via zap
  5. Actor resolution on /api (health stays public)

SEE ALSO:
  - handlers.go: Handler implementations
  - actor.go: Actor identity middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates the router with all routes configured. actorSecret may
// be empty to trust the X-Actor-Id header (dev mode).
func NewRouter(h *Handler, actorSecret []byte) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-Id"},
		AllowCredentials: true,
	}))
	r.Use(requestLogger(h.Log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(ActorMiddleware(actorSecret))

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.CreatePayment)
			r.Get("/{id}", h.GetPayment)
			r.Patch("/{id}", h.AmendPayment)
			r.Delete("/{id}", h.ReversePayment)
		})

		r.Route("/contracts", func(r chi.Router) {
			r.Post("/", h.CreateContract)
			r.Get("/{id}", h.GetContract)
			r.Get("/{id}/payments", h.GetContractPayments)
			r.Post("/{id}/account", h.ProvisionAccount)
			r.Delete("/{id}", h.RetireContract)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/{id}", h.GetAccount)
		})

		r.Post("/sequences/{scope}", h.AllocateSequence)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconcile", h.Reconcile)
		})
	})

	return r
}

// requestLogger logs method, path, status, and duration for every request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
