package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lei/cms-gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
)

func TestNewRouter(t *testing.T) {
	upstreamHits := 0
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits++
		w.WriteHeader(http.StatusTeapot)
	})

	r := NewRouter(NewHandlers(testStatuses()), upstream, Middlewares{
		Auth:    NewAuthMiddleware(testSecret),
		Logging: NewLoggingMiddleware(logger.Nop()),
		CORS:    NewCORS(nil),
	})

	tests := []struct {
		name       string
		method     string
		path       string
		auth       string
		wantStatus int
		wantHits   int
	}{
		{"health", "GET", "/health", "", http.StatusOK, 0},
		{"live", "GET", "/health/live", "", http.StatusOK, 0},
		{"ready", "GET", "/health/ready", "", http.StatusOK, 0},
		{"backends", "GET", "/health/backends", "", http.StatusOK, 0},
		{"health ignores bad token", "GET", "/health", "Bearer nope", http.StatusOK, 0},
		{"upstream", "GET", "/v1/pages/1", "", http.StatusTeapot, 1},
		{"upstream root", "GET", "/", "", http.StatusTeapot, 1},
		{"upstream bad token", "GET", "/v1/pages/1", "Bearer nope", http.StatusUnauthorized, 0},
		{"options short-circuit", "OPTIONS", "/v1/pages/1", "", http.StatusNoContent, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstreamHits = 0
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantHits, upstreamHits)
			assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
		})
	}
}

func TestNewRouter_Recovers(t *testing.T) {
	r := NewRouter(NewHandlers(nil), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("backend handler exploded")
	}), Middlewares{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/pages", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
