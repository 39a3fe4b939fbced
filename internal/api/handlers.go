package api

import (
	"encoding/json"
	"net/http"

	"github.com/lei/cms-gateway/internal/models"
)

// StatusSource reports the registration outcome of each backend
type StatusSource interface {
	Statuses() []models.BackendStatus
}

// Handlers contains the gateway's own HTTP handlers
type Handlers struct {
	backends StatusSource
}

// NewHandlers creates a new handlers instance
func NewHandlers(backends StatusSource) *Handlers {
	return &Handlers{backends: backends}
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondText(w, "OK")
}

// Live handles GET /health/live
func (h *Handlers) Live(w http.ResponseWriter, r *http.Request) {
	respondText(w, "LIVE")
}

// Ready handles GET /health/ready. The gateway is ready once it serves, even
// when some backends failed to register.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	respondText(w, "READY")
}

// Backends handles GET /health/backends
func (h *Handlers) Backends(w http.ResponseWriter, r *http.Request) {
	var statuses []models.BackendStatus
	if h.backends != nil {
		statuses = h.backends.Statuses()
	}

	registered := 0
	for _, s := range statuses {
		if s.Registered {
			registered++
		}
	}

	query := r.URL.Query()
	filtered := FilterBackends(statuses, query.Get("search"), parseBoolParam(query.Get("registered")))

	if logger := GetLogger(r.Context()); logger != nil {
		logger.Debug("backend statuses listed", "total", len(statuses), "returned", len(filtered))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"backends":   filtered,
		"registered": registered,
		"total":      len(statuses),
	})
}

func respondText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// respondError writes a JSON error response with logging
func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	logger := GetLogger(r.Context())
	requestID := GetRequestID(r.Context())

	if logger != nil {
		if status >= 500 {
			logger.Error("returning error response", "status", status, "message", message)
		} else {
			logger.Warn("returning error response", "status", status, "message", message)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderRequestID, requestID)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message":    message,
			"code":       status,
			"request_id": requestID,
		},
	})
}
