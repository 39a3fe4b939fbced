package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/lei/cms-gateway/internal/api"
	"github.com/lei/cms-gateway/internal/backend"
	"github.com/lei/cms-gateway/internal/config"
	"github.com/lei/cms-gateway/internal/metrics"
	"github.com/lei/cms-gateway/internal/models"
	"github.com/lei/cms-gateway/internal/registrar"
	"github.com/lei/cms-gateway/internal/tracing"
	"github.com/lei/cms-gateway/pkg/logger"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
)

// Version is reported by the CLI and attached to traces.
// Override with -ldflags "-X github.com/lei/cms-gateway/pkg/gateway.Version=v1.2.3".
var Version = "dev"

type (
	// Backend is one upstream gRPC service
	Backend = models.Backend
	// BackendStatus is the registration outcome of one backend
	BackendStatus = models.BackendStatus
	// Route is one REST binding mounted on the gateway
	Route = models.Route
	// RouteRegistrar mounts a backend's routes on the gateway mux
	RouteRegistrar = registrar.RouteRegistrar
	// HandlerFunc has the signature of generated RegisterXxxHandler functions
	HandlerFunc = registrar.HandlerFunc
)

// Generated adapts generated RegisterXxxHandler functions to a RouteRegistrar
func Generated(fns ...HandlerFunc) RouteRegistrar {
	return registrar.Generated(fns...)
}

// Gateway represents a CMS gateway instance that can be embedded in applications
type Gateway struct {
	config        *Config
	router        http.Handler
	server        *http.Server
	metricsServer *http.Server
	backends      *backend.Manager
	metrics       *metrics.Recorder
	tracer        *tracing.Provider
	logger        *logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// Config holds the configuration for the Gateway
type Config struct {
	Server   ServerConfig
	Metrics  MetricsConfig
	CORS     CORSConfig
	Auth     AuthConfig
	GRPC     GRPCConfig
	Backends []Backend
	Tracing  TracingConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// MetricsConfig holds the prometheus scrape server configuration
type MetricsConfig struct {
	Addr string // empty disables the metrics server
}

// CORSConfig holds cross-origin configuration
type CORSConfig struct {
	AllowedOrigins []string
}

// AuthConfig holds JWT passthrough configuration
type AuthConfig struct {
	// JWTSecret enables HS256 verification of bearer tokens when set
	JWTSecret string
}

// GRPCConfig holds backend dial configuration
type GRPCConfig struct {
	TLS             bool
	RegisterTimeout time.Duration
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Endpoint    string // empty disables tracing
	ServiceName string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or text
}

// Deps carries optional collaborators. Nil fields are built from Config.
type Deps struct {
	Logger  *logger.Logger
	Metrics *metrics.Recorder
	Tracer  *tracing.Provider

	// Registrars overrides the route registrar per backend name.
	// Backends without one are mounted through gRPC server reflection.
	Registrars map[string]RouteRegistrar

	// DialOptions are appended to the gateway's dial options for every backend
	DialOptions []grpc.DialOption
}

// New creates a gateway and registers every enabled backend.
// Backends that fail to register are logged and skipped.
func New(ctx context.Context, cfg *Config, deps Deps) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	appLogger := deps.Logger
	if appLogger == nil {
		appLogger = logger.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	recorder := deps.Metrics
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}
	tracer := deps.Tracer
	if tracer == nil {
		var err error
		tracer, err = tracing.New(tracing.Config{
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			Version:     Version,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize tracing: %w", err)
		}
		if cfg.Tracing.Endpoint != "" {
			appLogger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
		}
	}

	mux := runtime.NewServeMux(
		runtime.WithIncomingHeaderMatcher(api.HeaderMatcher),
		runtime.WithMetadata(tracer.Metadata),
		runtime.WithMiddlewares(metrics.RouteMiddleware),
	)

	manager := backend.NewManager(backend.Options{
		Backends:    cfg.Backends,
		Registrars:  deps.Registrars,
		DialOptions: deps.DialOptions,
		TLS:         cfg.GRPC.TLS,
		Timeout:     cfg.GRPC.RegisterTimeout,
		Logger:      appLogger,
		Recorder:    recorder,
	})

	registered := 0
	for _, st := range manager.Register(ctx, mux) {
		if st.Registered {
			registered++
		}
	}
	appLogger.Info("backends registered", "registered", registered, "total", len(cfg.Backends))

	router := api.NewRouter(api.NewHandlers(manager), mux, api.Middlewares{
		Auth:    api.NewAuthMiddleware(cfg.Auth.JWTSecret),
		Logging: api.NewLoggingMiddleware(appLogger),
		Metrics: recorder.Middleware,
		Tracing: tracer.Middleware,
		CORS:    api.NewCORS(cfg.CORS.AllowedOrigins),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = metrics.NewServer(cfg.Metrics.Addr, recorder)
	}

	return &Gateway{
		config:        cfg,
		router:        router,
		server:        srv,
		metricsServer: metricsSrv,
		backends:      manager,
		metrics:       recorder,
		tracer:        tracer,
		logger:        appLogger,
	}, nil
}

// Start listens on the configured address and serves until ctx is canceled.
// A listener that cannot bind is returned as an error.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.Addr)
	if err != nil {
		g.Close(context.Background())
		return fmt.Errorf("listen on %s: %w", g.config.Server.Addr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves HTTP on ln and metrics on the metrics address until ctx is
// canceled, then shuts both down within the shutdown timeout
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	serverErrors := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.logger.Info("starting http server", "addr", ln.Addr().String())
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	if g.metricsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.logger.Info("starting metrics server", "addr", g.metricsServer.Addr)
			if err := g.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.logger.Error("metrics server failed", "addr", g.metricsServer.Addr, "error", err)
			}
		}()
	}

	// Wait for context cancellation or server error
	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
	}

	err := multierr.Append(runErr, g.shutdown())
	wg.Wait()
	return err
}

func (g *Gateway) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()

	var err error
	if serr := g.server.Shutdown(shutdownCtx); serr != nil {
		g.server.Close()
		err = multierr.Append(err, fmt.Errorf("graceful shutdown failed: %w", serr))
	}
	if g.metricsServer != nil {
		if serr := g.metricsServer.Shutdown(shutdownCtx); serr != nil {
			g.metricsServer.Close()
			err = multierr.Append(err, fmt.Errorf("metrics shutdown failed: %w", serr))
		}
	}
	err = multierr.Append(err, g.Close(shutdownCtx))

	if err != nil {
		g.logger.Error("shutdown completed with errors", "error", err)
		return err
	}
	g.logger.Info("server stopped gracefully")
	return nil
}

// Close releases the backend connections and flushes traces. Start calls it
// on shutdown; call it directly when only Handler is used.
func (g *Gateway) Close(ctx context.Context) error {
	g.closeOnce.Do(func() {
		g.closeErr = multierr.Combine(
			g.backends.Close(),
			g.tracer.Shutdown(ctx),
		)
	})
	return g.closeErr
}

// Handler returns the http.Handler for the gateway
// Use this if you want to integrate the gateway into an existing HTTP server
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// MetricsHandler serves the gateway's prometheus registry
func (g *Gateway) MetricsHandler() http.Handler {
	return g.metrics.Handler()
}

// Statuses returns the registration outcome of every configured backend
func (g *Gateway) Statuses() []BackendStatus {
	return g.backends.Statuses()
}

// NewFromEnv creates a Gateway from environment variables and an optional
// YAML config file. This mirrors the behavior of the standalone gateway.
func NewFromEnv(ctx context.Context, configFile string) (*Gateway, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return New(ctx, FromConfig(cfg), Deps{})
}

// FromConfig converts the loaded process configuration into a gateway Config
func FromConfig(cfg *config.Config) *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            cfg.Server.Addr,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		},
		Metrics: MetricsConfig{Addr: cfg.Metrics.Addr},
		CORS:    CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Auth:    AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
		GRPC: GRPCConfig{
			TLS:             cfg.GRPC.TLS,
			RegisterTimeout: cfg.GRPC.RegisterTimeout,
		},
		Backends: cfg.BackendList(),
		Tracing: TracingConfig{
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
		},
		Logging: LoggingConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		},
	}
}
