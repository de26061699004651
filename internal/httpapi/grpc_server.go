package httpapi

import (
	"context"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"orbaccess.dev/internal/obs"
)

// HealthServer implements the standard gRPC health protocol, backed by
// the same readiness probe as /readyz.
type HealthServer struct {
	healthpb.UnimplementedHealthServer

	readyProbe ReadyProbe
}

// NewHealthServer creates the gRPC health service wrapper.
func NewHealthServer(rp ReadyProbe) *HealthServer {
	return &HealthServer{readyProbe: rp}
}

// Check evaluates readiness for the requested service.
func (s *HealthServer) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := s.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		return &healthpb.HealthCheckResponse{
			Status: healthpb.HealthCheckResponse_NOT_SERVING,
		}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{
		Status: healthpb.HealthCheckResponse_SERVING,
	}, nil
}

// Watch is not supported; clients should poll Check.
func (s *HealthServer) Watch(_ *healthpb.HealthCheckRequest, _ healthpb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "watch is not supported")
}
