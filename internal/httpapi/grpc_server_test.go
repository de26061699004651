package httpapi

import (
	"context"
	"testing"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthServerCheck(t *testing.T) {
	srv := NewHealthServer(ReadyProbe{})

	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.Status)
	}
}

func TestHealthServerWatchUnimplemented(t *testing.T) {
	srv := NewHealthServer(ReadyProbe{})
	if err := srv.Watch(&healthpb.HealthCheckRequest{}, nil); err == nil {
		t.Fatal("expected Watch to be unimplemented")
	}
}
