// Package gateway provides the CMS API gateway as a library that can be embedded
// into other Go applications.
//
// # Overview
//
// The gateway puts the platform's gRPC backends (auth, content, media, contact)
// behind one HTTP surface. Every HTTP-annotated unary method a backend exposes
// is translated to REST by grpc-gateway. CORS, request IDs, logging, metrics,
// tracing and JWT passthrough apply uniformly to all routes.
//
// At startup each enabled backend is dialed and its routes are mounted. By
// default the routes come from gRPC server reflection and the backends'
// google.api.http annotations. A backend that cannot be registered is logged
// and skipped; the others stay reachable.
//
// # Basic Usage
//
// Create a gateway programmatically:
//
//	cfg := &gateway.Config{
//		Server: gateway.ServerConfig{
//			Addr:            ":8080",
//			ReadTimeout:     30 * time.Second,
//			WriteTimeout:    30 * time.Second,
//			ShutdownTimeout: 10 * time.Second,
//		},
//		Metrics: gateway.MetricsConfig{Addr: ":9090"},
//		Backends: []gateway.Backend{
//			{Name: "content", Addr: "localhost:50052"},
//			{Name: "media", Addr: "localhost:50053"},
//		},
//		Logging: gateway.LoggingConfig{
//			Level:  "info",
//			Format: "json",
//		},
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	gw, err := gateway.New(ctx, cfg, gateway.Deps{})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := gw.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Generated Handlers
//
// Backends with generated grpc-gateway code can skip reflection:
//
//	gw, err := gateway.New(ctx, cfg, gateway.Deps{
//		Registrars: map[string]gateway.RouteRegistrar{
//			"content": gateway.Generated(contentpb.RegisterPageServiceHandler),
//		},
//	})
//
// # Using with Existing HTTP Server
//
// Integrate the gateway into an existing HTTP server:
//
//	gw, err := gateway.New(ctx, cfg, gateway.Deps{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer gw.Close(context.Background())
//
//	// Mount the gateway under a specific path
//	http.Handle("/api/", http.StripPrefix("/api", gw.Handler()))
//	http.Handle("/metrics", gw.MetricsHandler())
//
//	http.ListenAndServe(":8080", nil)
//
// # Environment-based Configuration
//
// Load configuration from environment variables and an optional YAML file:
//
//	gw, err := gateway.NewFromEnv(ctx, "configs/gateway.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := gw.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Environment variables:
//   - HTTP_ADDR: HTTP listen address (default ":8080")
//   - METRICS_ADDR: prometheus listen address (default ":9090", empty disables)
//   - AUTH_GRPC_ADDR, CONTENT_GRPC_ADDR, MEDIA_GRPC_ADDR, CONTACT_GRPC_ADDR:
//     backend targets (default localhost:50051 to 50054, empty disables)
//   - BACKENDS_FILE: YAML file adding or overriding backends
//   - CORS_ALLOWED_ORIGINS: comma-separated origins (default "*")
//   - JWT_SECRET: enables HS256 bearer token verification
//   - GRPC_TLS: dial backends with TLS (default false)
//   - SHUTDOWN_TIMEOUT, REGISTER_TIMEOUT, READ_TIMEOUT, WRITE_TIMEOUT
//   - TRACING_ENDPOINT: jaeger collector endpoint (empty disables tracing)
//   - LOG_LEVEL: debug, info, warn, error (default "info")
//   - LOG_FORMAT: json or text (default "json")
package gateway
