// Package grpc wires the process health/readiness probe the `serve`
// daemon exposes over gRPC (SPEC_FULL §4 DOMAIN STACK). The control
// surface itself (Start/Resume/Cancel/Get) stays transport-agnostic
// HTTP/JSON per spec §6; see DESIGN.md for why a bespoke gRPC service
// isn't hand-rolled here.
package grpc

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oriys/theatre/internal/logging"
)

// Server is a gRPC listener serving only the standard health-checking
// protocol, reporting SERVING once the daemon's dependencies
// (Coordinator, pipeline, policy gate) have started, and NOT_SERVING on
// shutdown.
type Server struct {
	addr    string
	grpcSrv *grpc.Server
	health  *health.Server
}

// NewServer constructs a Server bound to addr (":9090" style). It starts
// with the theatre service marked NOT_SERVING; call SetServing(true) once
// the rest of the daemon is ready to accept traffic.
func NewServer(addr string) *Server {
	h := health.NewServer()
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, h)

	h.SetServingStatus("theatre", healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{addr: addr, grpcSrv: s, health: h}
}

// SetServing flips the theatre service's reported health status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("theatre", status)
}

// ListenAndServe blocks serving gRPC health checks until ctx is
// cancelled, then gracefully stops.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpcSrv.Serve(lis) }()

	logging.Op().Info("grpc health server listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcSrv.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
