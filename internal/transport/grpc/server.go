// Package grpcx is the admin gRPC surface: the standard health service and
// server reflection, behind logging and recovery interceptors.
package grpcx

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the name reported through grpc.health.v1 besides "".
const ServiceName = "match-service"

type Server struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server
}

func NewServer(addr string) *Server {
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(StreamServerInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	return &Server{addr: addr, grpc: gs, health: hs}
}

func (s *Server) setServing(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve reports SERVING while lis is served and NOT_SERVING once ctx is done,
// before the graceful stop.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.setServing(healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("grpc listen", "addr", lis.Addr().String())
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		s.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
}
