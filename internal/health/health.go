// Package health serves the gRPC health protocol for the daemon. The
// backfill service reports NOT_SERVING after a failed run so orchestrators
// can see a broken learning pipeline without scraping logs.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/danielpatrickdp/cadence/internal/backfill"
)

// BackfillService is the health service name that tracks the learning
// pipeline. The empty service name tracks the process.
const BackfillService = "cadence.backfill"

// #region server

// Server wraps a gRPC server exposing only the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger
}

// NewServer creates a Server with both services SERVING.
func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    log.With(slog.String("component", "health")),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(BackfillService, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Observe updates the backfill service from one progress snapshot.
func (s *Server) Observe(p backfill.Progress) {
	st := StatusFor(p)
	if st == healthpb.HealthCheckResponse_NOT_SERVING {
		s.log.Warn("backfill unhealthy", "run_id", p.RunID, "reason", p.Reason)
	}
	s.health.SetServingStatus(BackfillService, st)
}

// Follow observes progress from ch until it closes or ctx ends.
func (s *Server) Follow(ctx context.Context, ch <-chan backfill.Progress) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			s.Observe(p)
		}
	}
}

// StatusFor maps a backfill snapshot to a serving status. A cancelled run
// is not a failure.
func StatusFor(p backfill.Progress) healthpb.HealthCheckResponse_ServingStatus {
	if p.Phase == backfill.PhaseFailed && p.Reason != backfill.ReasonCancelled {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// #endregion server

// #region client

// Check asks the health server at addr for the status of service.
func Check(ctx context.Context, addr, service string, opts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %q: %w", service, err)
	}
	return resp.GetStatus(), nil
}

// #endregion client
