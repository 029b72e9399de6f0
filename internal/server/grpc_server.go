package server

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/blinkdate/matchmaker/internal/config"
)

// Server wraps the gRPC listener so the caller can stop it gracefully.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	addr   string
}

// New builds a gRPC server with health checking and reflection enabled
// and registers all provided services.
func New(cfg *config.Config, registrars ...Registrar) *Server {
	grpcServer := grpc.NewServer()

	for _, r := range registrars {
		r.Register(grpcServer)
	}

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	// enable reflection for easier debugging with grpcurl
	reflection.Register(grpcServer)

	return &Server{
		grpc:   grpcServer,
		health: healthSrv,
		addr:   fmt.Sprintf("%s:%s", cfg.GRPC.Host, cfg.GRPC.Port),
	}
}

// Serve listens and blocks until Stop is called or the listener fails.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s.grpc.Serve(lis)
}

// Stop drains in-flight RPCs and shuts the server down.
func (s *Server) Stop() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.grpc.GracefulStop()
}
