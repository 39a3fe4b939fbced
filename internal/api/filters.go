package api

import (
	"strings"

	"github.com/lei/cms-gateway/internal/models"
)

// FilterBackends filters backend statuses based on query parameters.
// search matches the backend name or address, case-insensitively.
func FilterBackends(statuses []models.BackendStatus, search string, registered *bool) []models.BackendStatus {
	if search == "" && registered == nil {
		return statuses
	}

	filtered := make([]models.BackendStatus, 0, len(statuses))
	searchLower := strings.ToLower(search)

	for _, s := range statuses {
		// Search filter
		if search != "" &&
			!strings.Contains(strings.ToLower(s.Name), searchLower) &&
			!strings.Contains(strings.ToLower(s.Addr), searchLower) {
			continue
		}

		// Registered filter
		if registered != nil && s.Registered != *registered {
			continue
		}

		filtered = append(filtered, s)
	}

	return filtered
}

// parseBoolParam parses boolean query parameters
func parseBoolParam(value string) *bool {
	if value == "" {
		return nil
	}

	if value == "true" || value == "1" {
		result := true
		return &result
	}

	if value == "false" || value == "0" {
		result := false
		return &result
	}

	return nil
}
