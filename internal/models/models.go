package models

import "time"

// Backend is one upstream gRPC service exposed through the gateway
type Backend struct {
	Name string `json:"name" yaml:"name"`
	Addr string `json:"addr" yaml:"addr"`

	// Services optionally restricts which fully-qualified gRPC services are mounted.
	// Empty means every service the backend advertises.
	Services []string `json:"services,omitempty" yaml:"services,omitempty"`
}

// Enabled reports whether the backend has a dial target
func (b Backend) Enabled() bool {
	return b.Addr != ""
}

// Route is a single REST binding mounted on the gateway mux
type Route struct {
	Method  string `json:"method"`
	Pattern string `json:"pattern"`
	RPC     string `json:"rpc"`
}

// BackendStatus is the outcome of registering one backend at startup
type BackendStatus struct {
	Name         string     `json:"name"`
	Addr         string     `json:"addr"`
	Registered   bool       `json:"registered"`
	// Partial is set when mounting failed after some routes reached the mux.
	// The connection stays open so those routes keep working.
	Partial      bool       `json:"partial,omitempty"`
	Routes       []Route    `json:"routes,omitempty"`
	Error        string     `json:"error,omitempty"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
}
