package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"oncall.org/internal/obs"
)

// HealthServer exposes the standard gRPC health service, backed by the same
// store probe as /readyz.
type HealthServer struct {
	srv       *health.Server
	readiness ReadyChecker
}

// NewHealthServer creates the health service. It reports NOT_SERVING until the
// first Refresh.
func NewHealthServer(r ReadyChecker) *HealthServer {
	s := &HealthServer{srv: health.NewServer(), readiness: r}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the service to gs.
func (s *HealthServer) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.srv)
}

// Refresh probes the store once and publishes the result.
func (s *HealthServer) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	ok := s.readiness == nil || s.readiness.Ping(ctx) == nil
	if ok {
		s.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	obs.SetReady(ok)
	return ok
}

// Run refreshes every interval until ctx is done, then marks the service as
// shutting down.
func (s *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.srv.Shutdown()
			return
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}

func (s *HealthServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.srv.SetServingStatus("", st)
	s.srv.SetServingStatus(serviceName, st)
}
