package health

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/danielpatrickdp/cadence/internal/backfill"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		p    backfill.Progress
		want healthpb.HealthCheckResponse_ServingStatus
	}{
		{"never run", backfill.Progress{}, healthpb.HealthCheckResponse_SERVING},
		{"idle", backfill.Progress{Phase: backfill.PhaseIdle}, healthpb.HealthCheckResponse_SERVING},
		{"running", backfill.Progress{Phase: backfill.PhaseSongImpacts}, healthpb.HealthCheckResponse_SERVING},
		{"completed", backfill.Progress{Phase: backfill.PhaseCompleted}, healthpb.HealthCheckResponse_SERVING},
		{"cancelled", backfill.Progress{Phase: backfill.PhaseFailed, Reason: backfill.ReasonCancelled}, healthpb.HealthCheckResponse_SERVING},
		{"failed", backfill.Progress{Phase: backfill.PhaseFailed, Reason: "disk full"}, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := StatusFor(tc.p); got != tc.want {
				t.Errorf("StatusFor = %v, want %v", got, tc.want)
			}
		})
	}
}

func serve(t *testing.T) (*Server, grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(1 << 16)
	s := NewServer(nil)
	go s.Serve(lis)
	t.Cleanup(s.Stop)
	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	return s, dialer
}

func TestServer_ReportsBackfillHealth(t *testing.T) {
	s, dialer := serve(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := Check(ctx, "passthrough:///bufnet", BackfillService, dialer)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("initial status = %v", got)
	}

	s.Observe(backfill.Progress{Phase: backfill.PhaseFailed, Reason: "disk full"})
	got, err = Check(ctx, "passthrough:///bufnet", BackfillService, dialer)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after failure = %v", got)
	}

	if got, _ := Check(ctx, "passthrough:///bufnet", "", dialer); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("process status = %v, want SERVING", got)
	}
}

func TestServer_FollowsProgress(t *testing.T) {
	s, dialer := serve(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := make(chan backfill.Progress, 2)
	ch <- backfill.Progress{Phase: backfill.PhaseFailed, Reason: "disk full"}
	ch <- backfill.Progress{Phase: backfill.PhaseCompleted}
	close(ch)
	s.Follow(ctx, ch)

	got, err := Check(ctx, "passthrough:///bufnet", BackfillService, dialer)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status after recovery = %v", got)
	}
}

func TestCheck_UnknownService(t *testing.T) {
	_, dialer := serve(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := Check(ctx, "passthrough:///bufnet", "nope", dialer); err == nil {
		t.Fatal("expected NotFound for an unregistered service")
	}
}
