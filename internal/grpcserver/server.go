// Package grpcserver hosts the gRPC health service.
package grpcserver

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-delivery/internal/logging"
	"chat-delivery/internal/observability"
)

// ServiceName is the health check name of the delivery service.
const ServiceName = "chat.delivery"

type Server struct {
	addr   string
	srv    *grpc.Server
	health *health.Server
}

func New(addr string, logger zerolog.Logger) *Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(logger),
			observability.GRPCServerMetricsUnaryInterceptor(),
		),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{addr: addr, srv: srv, health: hs}
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	l := logging.L()
	l.Info().Str("addr", lis.Addr().String()).Msg("grpc server listening")
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// SetNotServing flips every health status to NOT_SERVING.
func (s *Server) SetNotServing() {
	s.health.Shutdown()
}

// Shutdown stops the server gracefully, forcing it when ctx ends first.
func (s *Server) Shutdown(ctx context.Context) {
	s.SetNotServing()

	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.srv.Stop()
		<-done
	}
}
