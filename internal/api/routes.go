package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Middlewares are the cross-cutting layers wrapped around every request.
// Nil entries are skipped.
type Middlewares struct {
	Auth    *AuthMiddleware
	Logging *LoggingMiddleware
	Metrics func(http.Handler) http.Handler
	Tracing func(http.Handler) http.Handler
	CORS    func(http.Handler) http.Handler
}

// NewRouter creates the gateway router: local health routes plus everything
// else dispatched to upstream, the grpc-gateway mux
func NewRouter(handlers *Handlers, upstream http.Handler, mw Middlewares) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware - ORDER MATTERS!
	r.Use(middleware.RealIP) // Extract real IP
	r.Use(RequestID)         // Request ID before anything logs
	if mw.Metrics != nil {
		r.Use(mw.Metrics) // Outermost recorder sees every response, preflights included
	}
	if mw.Logging != nil {
		r.Use(mw.Logging.Handler) // Add logger to context with request ID
	}
	r.Use(middleware.Recoverer) // Panic recovery
	if mw.Tracing != nil {
		r.Use(mw.Tracing)
	}
	if mw.CORS != nil {
		r.Use(mw.CORS)
	}

	// Health checks (no auth required)
	r.Get("/health", handlers.Health)
	r.Get("/health/live", handlers.Live)
	r.Get("/health/ready", handlers.Ready)
	r.Get("/health/backends", handlers.Backends)

	// Registered backend routes
	if mw.Auth != nil {
		r.With(mw.Auth.Authenticate).Handle("/*", upstream)
	} else {
		r.Handle("/*", upstream)
	}

	return r
}
