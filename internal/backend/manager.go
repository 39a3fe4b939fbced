// Package backend owns the gateway's gRPC client connections and the
// registration of every backend's routes on the shared mux.
package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/lei/cms-gateway/internal/models"
	"github.com/lei/cms-gateway/internal/registrar"
	"github.com/lei/cms-gateway/pkg/logger"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultTimeout = 5 * time.Second

// StatusRecorder receives the registration outcome of each backend
type StatusRecorder interface {
	SetBackend(name string, registered bool, routes int)
}

// Options configures a Manager
type Options struct {
	Backends []models.Backend

	// Registrars overrides the registrar per backend name.
	// Backends without an entry use server reflection.
	Registrars map[string]registrar.RouteRegistrar

	// DialOptions are appended after the transport credentials
	DialOptions []grpc.DialOption

	// TLS dials backends with TLS and the system roots instead of plaintext
	TLS bool

	// Timeout bounds discovery and mounting per backend
	Timeout time.Duration

	Logger   *logger.Logger
	Recorder StatusRecorder
}

// Manager registers backends and keeps their connections open until Close
type Manager struct {
	opts   Options
	logger *logger.Logger
	now    func() time.Time

	mu       sync.RWMutex
	conns    map[string]*grpc.ClientConn
	statuses []models.BackendStatus
}

// NewManager creates a backend manager
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger,
		now:    time.Now,
		conns:  make(map[string]*grpc.ClientConn),
	}
}

// pending is an enabled backend with an open connection awaiting registration
type pending struct {
	index int
	conn  *grpc.ClientConn
	reg   registrar.RouteRegistrar
	err   error
}

// Register dials every enabled backend and mounts its routes on mux.
// Failures are recorded and logged; the failing backend is skipped and its
// connection closed, unless some of its routes already reached the mux.
// The returned statuses follow the order of Options.Backends.
func (m *Manager) Register(ctx context.Context, mux *runtime.ServeMux) []models.BackendStatus {
	backends := m.opts.Backends
	statuses := make([]models.BackendStatus, len(backends))
	var work []*pending

	m.logger.Info("registering backends", "count", len(backends))

	for i, b := range backends {
		statuses[i] = models.BackendStatus{Name: b.Name, Addr: b.Addr}

		if !b.Enabled() {
			statuses[i].Error = "no address configured"
			m.logger.Info("backend disabled", "backend", b.Name)
			continue
		}

		conn, err := grpc.NewClient(b.Addr, m.dialOptions()...)
		if err != nil {
			m.fail(&statuses[i], fmt.Errorf("dial: %w", err))
			continue
		}
		work = append(work, &pending{index: i, conn: conn, reg: m.registrarFor(b)})
	}

	// Discovery talks to the network, so it runs for all backends at once.
	// Every goroutine runs to completion; Wait reports whether any failed.
	var g errgroup.Group
	for _, p := range work {
		preparer, ok := p.reg.(registrar.Preparer)
		if !ok {
			continue
		}
		p := p
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
			defer cancel()
			p.err = preparer.Prepare(pctx, p.conn)
			return p.err
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Debug("backend discovery finished with failures", "first_error", err)
	}

	// The mux is not safe for concurrent registration
	for _, p := range work {
		st := &statuses[p.index]
		if p.err != nil {
			m.fail(st, p.err)
			m.closeConn(st.Name, p.conn)
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
		routes, err := p.reg.Register(rctx, mux, p.conn)
		cancel()
		if err != nil {
			m.fail(st, err)
			if errors.Is(err, registrar.ErrNoRoutes) {
				m.closeConn(st.Name, p.conn)
				continue
			}
			// Handlers mounted before the failure dispatch through conn
			st.Partial = true
			st.Routes = routes
			m.keepConn(st.Name, p.conn)
			m.logger.Warn("backend partially registered, keeping connection", "backend", st.Name, "routes", len(routes))
			continue
		}

		at := m.now()
		st.Registered = true
		st.Routes = routes
		st.RegisteredAt = &at

		m.keepConn(st.Name, p.conn)
		m.logger.Info("backend registered", "backend", st.Name, "addr", st.Addr, "routes", len(routes))
	}

	for _, st := range statuses {
		if m.opts.Recorder != nil {
			m.opts.Recorder.SetBackend(st.Name, st.Registered, len(st.Routes))
		}
	}

	m.mu.Lock()
	m.statuses = statuses
	m.mu.Unlock()

	return statuses
}

func (m *Manager) fail(st *models.BackendStatus, err error) {
	regErr := &registrar.RegistrationError{Backend: st.Name, Addr: st.Addr, Err: err}
	st.Error = err.Error()
	m.logger.Warn("backend registration failed, skipping", "backend", st.Name, "addr", st.Addr, "error", regErr)
}

func (m *Manager) keepConn(name string, conn *grpc.ClientConn) {
	m.mu.Lock()
	m.conns[name] = conn
	m.mu.Unlock()
}

func (m *Manager) closeConn(name string, conn *grpc.ClientConn) {
	if err := conn.Close(); err != nil {
		m.logger.Debug("close backend connection", "backend", name, "error", err)
	}
}

func (m *Manager) registrarFor(b models.Backend) registrar.RouteRegistrar {
	if reg, ok := m.opts.Registrars[b.Name]; ok && reg != nil {
		return reg
	}
	return registrar.NewReflection(m.logger.With("backend", b.Name), b.Services...)
}

func (m *Manager) dialOptions() []grpc.DialOption {
	creds := insecure.NewCredentials()
	if m.opts.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, m.opts.DialOptions...)
}

// Statuses returns a copy of the statuses recorded by the last Register
func (m *Manager) Statuses() []models.BackendStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.BackendStatus, len(m.statuses))
	copy(out, m.statuses)
	return out
}

// Close closes every connection opened for a registered backend
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for name, conn := range m.conns {
		if cerr := conn.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", name, cerr))
		}
		delete(m.conns, name)
	}
	return err
}
