package registrar

import (
	"context"
	"fmt"
	"sync"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/lei/cms-gateway/internal/models"
	"github.com/lei/cms-gateway/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Reflection registers every HTTP-annotated unary method a backend advertises
// through gRPC server reflection. Use one instance per backend.
type Reflection struct {
	services []string
	logger   *logger.Logger

	mu       sync.Mutex
	bindings []binding
	prepared bool
}

// NewReflection creates a reflection registrar. When services is non-empty only
// those fully-qualified services are mounted.
func NewReflection(log *logger.Logger, services ...string) *Reflection {
	if log == nil {
		log = logger.Nop()
	}
	return &Reflection{services: services, logger: log}
}

// Prepare discovers the backend's services and computes their bindings
func (rf *Reflection) Prepare(ctx context.Context, conn *grpc.ClientConn) error {
	return rf.prepare(ctx, conn)
}

func (rf *Reflection) prepare(ctx context.Context, conn grpc.ClientConnInterface) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.prepared {
		return nil
	}

	services, err := discoverServices(ctx, conn, rf.services)
	if err != nil {
		return err
	}

	var bindings []binding
	for _, sd := range services {
		sb, err := serviceBindings(sd)
		if err != nil {
			return err
		}
		rf.logger.Debug("discovered service", "service", sd.FullName(), "bindings", len(sb))
		bindings = append(bindings, sb...)
	}
	if len(bindings) == 0 {
		return ErrNoRoutes
	}

	rf.bindings = bindings
	rf.prepared = true
	return nil
}

// Register mounts the discovered bindings, running discovery first if needed
func (rf *Reflection) Register(ctx context.Context, mux *runtime.ServeMux, conn *grpc.ClientConn) ([]models.Route, error) {
	return rf.register(ctx, mux, conn)
}

func (rf *Reflection) register(ctx context.Context, mux *runtime.ServeMux, conn grpc.ClientConnInterface) ([]models.Route, error) {
	if err := rf.prepare(ctx, conn); err != nil {
		return nil, err
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()

	routes := make([]models.Route, 0, len(rf.bindings))
	for _, b := range rf.bindings {
		if err := mux.HandlePath(b.verb, b.pattern, b.handler(mux, conn)); err != nil {
			rf.logger.Warn("skipping route with invalid pattern",
				"method", b.verb,
				"pattern", b.pattern,
				"rpc", b.fullMethod(),
				"error", err)
			continue
		}
		routes = append(routes, b.route())
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("mount routes: %w", ErrNoRoutes)
	}
	return routes, nil
}

func serviceBindings(sd protoreflect.ServiceDescriptor) ([]binding, error) {
	var bindings []binding
	methods := sd.Methods()
	for i := 0; i < methods.Len(); i++ {
		mb, err := bindingsFor(methods.Get(i))
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, mb...)
	}
	return bindings, nil
}
