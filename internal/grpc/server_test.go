package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestNewServerStartsNotServing(t *testing.T) {
	s := NewServer(":0")
	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "theatre"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial status = %v, want NOT_SERVING", resp.Status)
	}
}

func TestSetServingFlipsHealthStatus(t *testing.T) {
	s := NewServer(":0")
	s.SetServing(true)

	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "theatre"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status after SetServing(true) = %v, want SERVING", resp.Status)
	}

	s.SetServing(false)
	resp, err = s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "theatre"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after SetServing(false) = %v, want NOT_SERVING", resp.Status)
	}
}

func TestListenAndServeServesHealthCheckUntilCancelled(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	s.SetServing(true)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	s.addr = lis.Addr().String()
	lis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	var conn *grpc.ClientConn
	for i := 0; i < 50; i++ {
		conn, err = grpc.NewClient(s.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	var resp *healthpb.HealthCheckResponse
	for i := 0; i < 50; i++ {
		resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "theatre"})
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Check over the wire: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("wire status = %v, want SERVING", resp.Status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ListenAndServe returned %v after cancellation, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ListenAndServe did not return within 2s of context cancellation")
	}
}
