// Package grpc exposes the core's internal RPC surface. Today that is the
// standard health service other services probe before reading dispatch
// state over REST; the server itself is wired for graceful stop alongside
// the HTTP listener.
package grpc

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const serviceName = "dispatch.core"

// Server represents the gRPC server
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *zap.Logger
	port       int
}

// NewServer creates a new gRPC server with the health service registered
func NewServer(port int, logger *zap.Logger) *Server {
	srv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{
		grpcServer: srv,
		health:     healthSrv,
		logger:     logger,
		port:       port,
	}
}

// Start starts the gRPC server; blocks until the listener dies
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Info("starting gRPC server", zap.Int("port", s.port))

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}

	return nil
}

// SetNotServing flips the health status during shutdown
func (s *Server) SetNotServing() {
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	s.logger.Info("stopping gRPC server")
	s.grpcServer.GracefulStop()
}
