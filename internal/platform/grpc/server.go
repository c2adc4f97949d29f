package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer serves grpc.health.v1 for the process and its named
// sub-services.
type HealthServer struct {
	server *gogrpc.Server
	health *health.Server
}

// NewHealthServer builds a gRPC server with the health service registered and
// the overall service ("") marked SERVING.
func NewHealthServer() *HealthServer {
	server := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return &HealthServer{server: server, health: healthServer}
}

// SetStatus records the serving status of one named service. It is safe to
// call on a nil receiver so callers can leave health reporting unconfigured.
func (s *HealthServer) SetStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	if s == nil || s.health == nil {
		return
	}
	s.health.SetServingStatus(strings.TrimSpace(service), status)
}

// Serve listens on addr and serves until ctx ends.
func (s *HealthServer) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", addr, err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on an existing listener until ctx ends, then stops
// gracefully.
func (s *HealthServer) ServeListener(ctx context.Context, listener net.Listener) error {
	if s == nil {
		return errors.New("health server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			s.server.Stop()
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, gogrpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}
