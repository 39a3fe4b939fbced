package registrar

import (
	"errors"
	"fmt"
)

var (
	// ErrNoServices indicates the backend advertised no services to mount
	ErrNoServices = errors.New("backend exposes no services")

	// ErrNoRoutes indicates none of the backend's methods carry an HTTP binding
	ErrNoRoutes = errors.New("backend exposes no HTTP-annotated methods")

	// ErrReflectionUnsupported indicates the backend does not serve the reflection API
	ErrReflectionUnsupported = errors.New("backend does not support server reflection")
)

// RegistrationError represents a failure to register one backend
type RegistrationError struct {
	Backend string
	Addr    string
	Err     error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register backend %s (%s): %v", e.Backend, e.Addr, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}
