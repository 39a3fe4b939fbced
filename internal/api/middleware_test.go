package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lei/cms-gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestRequestID(t *testing.T) {
	var seen, forwarded string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		forwarded = r.Header.Get(HeaderRequestID)
	}))

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

		assert.Len(t, seen, 36)
		assert.Equal(t, seen, forwarded)
		assert.Equal(t, seen, w.Header().Get(HeaderRequestID))
	})

	t.Run("honoured", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(HeaderRequestID, "abc-123")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", w.Header().Get(HeaderRequestID))
	})

	t.Run("oversized replaced", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(HeaderRequestID, string(make([]byte, 200)))
		h.ServeHTTP(httptest.NewRecorder(), req)

		assert.Len(t, seen, 36)
	})
}

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  zapcore.Level
	}{
		{"ok", http.StatusOK, zap.InfoLevel},
		{"client error", http.StatusNotFound, zap.WarnLevel},
		{"server error", http.StatusBadGateway, zap.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			mw := NewLoggingMiddleware(logger.NewWithCore(core))

			var ctxLogger *logger.Logger
			h := RequestID(mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxLogger = GetLogger(r.Context())
				w.WriteHeader(tt.status)
				w.Write([]byte("body"))
			})))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/pages", nil))

			require.NotNil(t, ctxLogger)
			entries := logs.FilterMessage("request completed").All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0].Level)

			fields := entries[0].ContextMap()
			assert.EqualValues(t, tt.status, fields["status"])
			assert.EqualValues(t, 4, fields["bytes_written"])
			assert.Equal(t, "/v1/pages", fields["path"])
			assert.NotEmpty(t, fields["request_id"])
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	valid := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		TenantID:         "tenant-a",
	})
	withUserID := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-1"},
		UserID:           "user-7",
	})
	expired := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	})
	wrongKey := signToken(t, jwt.SigningMethodHS256, []byte("other"), Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-1"},
	})
	unsigned := signToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-1"},
	})

	tests := []struct {
		name       string
		secret     string
		header     string
		spoofed    string
		wantStatus int
		wantUser   string
		wantTenant string
	}{
		{"verification disabled", "", "Bearer garbage", "", http.StatusOK, "", ""},
		{"no token passes through", testSecret, "", "", http.StatusOK, "", ""},
		{"spoofed identity stripped", testSecret, "", "evil", http.StatusOK, "", ""},
		{"valid token", testSecret, "Bearer " + valid, "evil", http.StatusOK, "sub-1", "tenant-a"},
		{"user_id claim preferred", testSecret, "Bearer " + withUserID, "", http.StatusOK, "user-7", ""},
		{"expired token", testSecret, "Bearer " + expired, "", http.StatusUnauthorized, "", ""},
		{"wrong key", testSecret, "Bearer " + wrongKey, "", http.StatusUnauthorized, "", ""},
		{"none algorithm", testSecret, "Bearer " + unsigned, "", http.StatusUnauthorized, "", ""},
		{"malformed header", testSecret, "Token abc", "", http.StatusUnauthorized, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser, gotTenant, gotAuth, ctxUser string
			reached := false
			h := NewAuthMiddleware(tt.secret).Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
				gotUser = r.Header.Get(HeaderUserID)
				gotTenant = r.Header.Get(HeaderTenantID)
				gotAuth = r.Header.Get("Authorization")
				ctxUser = GetUserID(r.Context())
			}))

			req := httptest.NewRequest("GET", "/v1/pages", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.spoofed != "" {
				req.Header.Set(HeaderUserID, tt.spoofed)
				req.Header.Set(HeaderTenantID, tt.spoofed)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				assert.False(t, reached, "handler must not run")
				assert.Contains(t, w.Body.String(), `"code":401`)
				return
			}
			assert.Equal(t, tt.wantUser, gotUser)
			assert.Equal(t, tt.wantTenant, gotTenant)
			assert.Equal(t, tt.header, gotAuth, "authorization is forwarded untouched")
			if tt.wantUser != "" {
				assert.Equal(t, tt.wantUser, ctxUser)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	reached := false
	h := NewCORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	t.Run("preflight", func(t *testing.T) {
		reached = false
		req := httptest.NewRequest(http.MethodOptions, "/v1/pages/1", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "PATCH")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.False(t, reached)
		assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PATCH")
	})

	t.Run("bare options", func(t *testing.T) {
		reached = false
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/anything", nil))

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.False(t, reached)
	})

	t.Run("actual request", func(t *testing.T) {
		reached = false
		req := httptest.NewRequest(http.MethodGet, "/v1/pages", nil)
		req.Header.Set("Origin", "https://app.example.com")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.True(t, reached)
		assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
		assert.True(t, strings.EqualFold(HeaderRequestID, w.Header().Get("Access-Control-Expose-Headers")))
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/pages", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestHeaderMatcher(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"X-Request-Id", "x-request-id", true},
		{"X-User-Id", "x-user-id", true},
		{"X-Tenant-Id", "x-tenant-id", true},
		{"Grpc-Metadata-Locale", "Locale", true},
		{"X-Forwarded-For", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, ok := HeaderMatcher(tt.header)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
