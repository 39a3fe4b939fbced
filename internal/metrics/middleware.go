package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// UnmatchedPath labels requests that matched no route, keeping label cardinality bounded
const UnmatchedPath = "unmatched"

type routeKey struct{}

// routeLabel is filled in by whichever router ends up serving the request
type routeLabel struct {
	pattern string
}

// SetRoute records the route template that served the request
func SetRoute(ctx context.Context, pattern string) {
	if l, ok := ctx.Value(routeKey{}).(*routeLabel); ok {
		l.pattern = pattern
	}
}

// Middleware records status and latency of every request exactly once
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		label := &routeLabel{}
		ctx := context.WithValue(req.Context(), routeKey{}, label)
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)

		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			r.ObserveRequest(req.Method, normalizePath(ctx, label), status, time.Since(start))
		}()

		next.ServeHTTP(ww, req.WithContext(ctx))
	})
}

// RouteMiddleware labels requests served by the grpc-gateway mux with the matched
// route pattern. Handlers registered by generated code get their label this way.
func RouteMiddleware(next runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		if pattern, ok := runtime.HTTPPattern(r.Context()); ok {
			SetRoute(r.Context(), pattern.String())
		}
		next(w, r, pathParams)
	}
}

func normalizePath(ctx context.Context, label *routeLabel) string {
	if label.pattern != "" {
		return label.pattern
	}
	if rctx := chi.RouteContext(ctx); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && pattern != "/*" {
			return pattern
		}
	}
	return UnmatchedPath
}
