package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ricesearch/recserve/internal/config"
	"github.com/ricesearch/recserve/internal/grpcserver"
	"github.com/ricesearch/recserve/internal/metrics"
	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/server"
)

// httpShutdownTimeout bounds waiting for in-flight HTTP requests.
const httpShutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the recommendation server",
		Long: `Start the HTTP API and, when a gRPC port is configured, the gRPC health
service. SIGINT or SIGTERM drains queued requests before exiting.

Examples:
  recserve serve                       # Start with defaults
  recserve serve --port 9000           # Custom HTTP port
  recserve serve --grpc-port 50051     # Enable gRPC health
  recserve serve -c recserve.yaml      # Load a config file`,
		RunE: runServe,
	}
	addServeFlags(cmd)
	return cmd
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("host", "", "server host (overrides config)")
	cmd.Flags().IntP("port", "p", 0, "HTTP port (overrides config)")
	cmd.Flags().Int("grpc-port", 0, "gRPC health port, 0 keeps the config value")
	cmd.Flags().String("unix-socket", "", "Unix socket for gRPC health (disabled on Windows)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)

	log.Info("Starting recserve",
		"version", version,
		"addr", cfg.Address(),
		"grpc_port", cfg.GRPCPort,
	)

	m := metrics.New()
	a, err := newApp(cfg, log, m)
	if err != nil {
		return err
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	httpSrv := server.New(server.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		APIPrefix:   cfg.APIPrefix,
		Version:     version,
		RateLimit:   cfg.Security.RateLimit,
		MetricsPath: metricsPath,
	}, a.service, m, log)
	if p, ok := a.provider.(pinger); ok {
		httpSrv.Health().Register("candidates:"+a.provider.Name(), p.Ping)
	}
	if cfg.Security.RateLimit > 0 {
		log.Info("Rate limiting enabled", "requests_per_second", cfg.Security.RateLimit)
	}

	var grpcSrv *grpcserver.Server
	if cfg.GRPCPort > 0 {
		unixSocket, _ := cmd.Flags().GetString("unix-socket")
		grpcSrv = grpcserver.New(grpcserver.Config{
			TCPAddr:        cfg.GRPCAddress(),
			UnixSocketPath: unixSocket,
		}, a.service.Ready, log)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpSrv.Start)
	if grpcSrv != nil {
		g.Go(grpcSrv.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			log.Info("Shutdown signal received")
		}
		return shutdown(a, httpSrv, grpcSrv, log)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Server stopped")
	return nil
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("grpc-port") {
		cfg.GRPCPort, _ = cmd.Flags().GetInt("grpc-port")
	}
}

// shutdown flips gRPC health to NOT_SERVING, stops HTTP intake, drains the
// scheduler and finally closes the bus, provider and scorer.
func shutdown(a *app, httpSrv *server.Server, grpcSrv *grpcserver.Server, log *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()

	var errs []error
	if grpcSrv != nil {
		if err := grpcSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("grpc shutdown: %w", err))
		}
	}

	log.Info("Draining in-flight HTTP requests...")
	if err := httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	log.Info("Draining scheduler...")
	if err := a.drain(context.Background()); err != nil {
		log.Warn("Scheduler drain incomplete", "error", err)
		errs = append(errs, err)
	}

	if err := a.close(); err != nil {
		log.Warn("Error closing services", "error", err)
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}
