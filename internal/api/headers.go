package api

import (
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// HeaderMatcher forwards the gateway's identity and correlation headers as gRPC
// metadata and defers to the grpc-gateway defaults for everything else
func HeaderMatcher(key string) (string, bool) {
	switch k := strings.ToLower(key); k {
	case "x-request-id", "x-user-id", "x-tenant-id":
		return k, true
	}
	return runtime.DefaultHeaderMatcher(key)
}
