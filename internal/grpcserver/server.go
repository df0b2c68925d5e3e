// Package grpcserver exposes the standard gRPC health service so load
// balancers and orchestrators can probe the recommendation server.
package grpcserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/ricesearch/recserve/internal/pkg/logger"
)

// ServiceName is the health service name reported next to the overall ("") status.
const ServiceName = "recserve.Recommendations"

// Config holds the gRPC server configuration.
type Config struct {
	// TCPAddr is the TCP address to listen on (e.g., ":50051").
	TCPAddr string

	// UnixSocketPath is the Unix socket path for local probes.
	// Empty string disables Unix socket listening.
	UnixSocketPath string

	// PollInterval is how often readiness is re-read.
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TCPAddr:      ":50051",
		PollInterval: time.Second,
	}
}

// Server serves grpc.health.v1.Health backed by a readiness probe.
type Server struct {
	cfg        Config
	log        *logger.Logger
	ready      func() bool
	grpcServer *grpc.Server
	health     *health.Server

	unixListener net.Listener

	mu       sync.Mutex
	serving  bool
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a gRPC health server. ready reports whether the scheduler
// still accepts requests.
func New(cfg Config, ready func() bool, log *logger.Logger) *Server {
	if cfg.TCPAddr == "" {
		cfg.TCPAddr = DefaultConfig().TCPAddr
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if log == nil {
		log = logger.Default()
	}

	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Second,
			Time:                  10 * time.Second,
			Timeout:               3 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	s := &Server{
		cfg:        cfg,
		log:        log.WithComponent("grpc"),
		ready:      ready,
		grpcServer: grpc.NewServer(opts...),
		health:     health.NewServer(),
		done:       make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.refresh()
	return s
}

// Start listens on the configured TCP address (and Unix socket when set)
// and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP %s: %w", s.cfg.TCPAddr, err)
	}

	if s.cfg.UnixSocketPath != "" && runtime.GOOS != "windows" {
		_ = os.Remove(s.cfg.UnixSocketPath)
		unixLis, err := net.Listen("unix", s.cfg.UnixSocketPath)
		if err != nil {
			s.log.Warn("Failed to listen on Unix socket", "path", s.cfg.UnixSocketPath, "error", err)
		} else {
			s.unixListener = unixLis
			s.log.Info("gRPC server listening on Unix socket", "path", s.cfg.UnixSocketPath)
			go func() {
				if err := s.grpcServer.Serve(unixLis); err != nil {
					s.log.Error("Unix socket server error", "error", err)
				}
			}()
		}
	}

	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. A clean stop returns nil.
func (s *Server) Serve(ln net.Listener) error {
	go s.watch()

	s.log.Info("gRPC server listening on TCP", "addr", ln.Addr().String())
	if err := s.grpcServer.Serve(ln); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// watch re-reads readiness until Shutdown.
func (s *Server) watch() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.refresh()
		case <-s.done:
			return
		}
	}
}

// refresh publishes the current readiness to the health service.
func (s *Server) refresh() {
	serving := s.ready == nil || s.ready()

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	changed := serving != s.serving
	s.serving = serving
	s.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)

	if changed {
		s.log.Info("Health status changed", "status", status.String())
	}
}

// Serving reports the last published readiness.
func (s *Server) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serving
}

// Shutdown marks every service NOT_SERVING, then stops gracefully. If ctx
// ends first, open streams (health watchers) are cut.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.serving = false
		s.mu.Unlock()

		s.health.Shutdown()
	})

	s.log.Info("Stopping gRPC server")
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-stopped
		err = ctx.Err()
	}

	if s.cfg.UnixSocketPath != "" && s.unixListener != nil {
		_ = os.Remove(s.cfg.UnixSocketPath)
	}
	return err
}
