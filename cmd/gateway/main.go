package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lei/cms-gateway/internal/config"
	"github.com/lei/cms-gateway/pkg/gateway"
	"github.com/lei/cms-gateway/pkg/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapgrpc"
	"google.golang.org/grpc/grpclog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "HTTP gateway for the CMS gRPC backends",
		Long: `Serves the REST surface of the auth, content, media and contact gRPC
backends on one HTTP endpoint, with health checks on /health and
prometheus metrics on METRICS_ADDR.

Configuration comes from the environment (a .env file is loaded when
present) and an optional YAML file given with --config.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file (ignore error if file doesn't exist - env vars might be set externally)
			_ = godotenv.Load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configFile)
		},
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file")

	cmd.AddCommand(newVersionCmd(), newConfigCmd(&configFile))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cms-gateway %s\n", gateway.Version)
		},
	}
}

func newConfigCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			return cfg.Dump(cmd.OutOrStdout())
		},
	}
}

func serve(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	appLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer appLogger.Sync()
	grpclog.SetLoggerV2(zapgrpc.NewLogger(appLogger.Zap()))

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appLogger.Info("starting cms gateway",
		"version", gateway.Version,
		"http_addr", cfg.Server.Addr,
		"metrics_addr", cfg.Metrics.Addr)

	gw, err := gateway.New(ctx, gateway.FromConfig(cfg), gateway.Deps{Logger: appLogger})
	if err != nil {
		return err
	}

	// Start the gateway (blocks until shutdown)
	return gw.Start(ctx)
}
