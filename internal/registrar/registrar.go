// Package registrar mounts the REST surface of a gRPC backend onto the shared
// grpc-gateway mux.
//
// Two implementations are provided. Generated wraps the RegisterXxxHandler
// functions emitted by protoc-gen-grpc-gateway. Reflection discovers the
// backend's services through the gRPC server reflection API and builds one
// handler per google.api.http binding at runtime, so the gateway needs no
// generated code for the backends it fronts.
package registrar

import (
	"context"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/lei/cms-gateway/internal/models"
	"google.golang.org/grpc"
)

// RouteRegistrar wires one backend's routes into the gateway mux
type RouteRegistrar interface {
	// Register mounts the backend's handlers on mux, dispatching through conn.
	// It returns the routes it mounted when they are known.
	Register(ctx context.Context, mux *runtime.ServeMux, conn *grpc.ClientConn) ([]models.Route, error)
}

// Preparer is implemented by registrars with network-bound discovery that can run
// concurrently with other backends before anything touches the mux
type Preparer interface {
	Prepare(ctx context.Context, conn *grpc.ClientConn) error
}

// HandlerFunc has the signature of the generated RegisterXxxHandler functions
type HandlerFunc func(ctx context.Context, mux *runtime.ServeMux, conn *grpc.ClientConn) error

// Generated adapts generated handler registration functions to RouteRegistrar.
// All functions are registered against the same connection.
func Generated(fns ...HandlerFunc) RouteRegistrar {
	return generated(fns)
}

type generated []HandlerFunc

// Prepare runs every function against a scratch mux so that a failing one
// leaves nothing behind on the gateway mux
func (g generated) Prepare(ctx context.Context, conn *grpc.ClientConn) error {
	scratch := runtime.NewServeMux()
	for _, fn := range g {
		if err := fn(ctx, scratch, conn); err != nil {
			return err
		}
	}
	return nil
}

func (g generated) Register(ctx context.Context, mux *runtime.ServeMux, conn *grpc.ClientConn) ([]models.Route, error) {
	for _, fn := range g {
		if err := fn(ctx, mux, conn); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
