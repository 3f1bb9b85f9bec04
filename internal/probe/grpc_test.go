package probe

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/narvanalabs/deployprobe/internal/models"
	"github.com/narvanalabs/deployprobe/pkg/config"
)

func startHealthServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hs := health.NewServer()
	hs.SetServingStatus("bot.Worker", healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(srv.Stop)

	return ln.Addr().String()
}

func grpcEndpoint(target, service string) config.Endpoint {
	return config.Endpoint{Kind: config.EndpointGRPC, Target: target, GRPCService: service}
}

func TestGRPCProbe(t *testing.T) {
	addr := startHealthServer(t)
	p := NewGRPCProber(2*time.Second, nil)

	tests := []struct {
		name       string
		service    string
		wantStatus int
		wantLine   string
	}{
		{name: "server overall", service: "", wantStatus: http.StatusOK, wantLine: "grpc SERVING"},
		{name: "not serving", service: "bot.Worker", wantStatus: http.StatusServiceUnavailable, wantLine: "grpc NOT_SERVING"},
		{name: "unknown service", service: "bot.Missing", wantStatus: http.StatusNotFound, wantLine: "grpc NotFound"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := p.Probe(context.Background(), grpcEndpoint(addr, tt.service))
			assert.Equal(t, tt.wantStatus, res.StatusCode)
			assert.Equal(t, tt.wantLine, res.StatusLine)
			assert.Equal(t, "grpc", res.Method)
		})
	}
}

func TestGRPCProbeUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := NewGRPCProber(500*time.Millisecond, nil)
	res := p.Probe(context.Background(), grpcEndpoint(addr, ""))

	assert.Equal(t, models.StatusUnreachable, res.StatusCode)
	assert.NotEmpty(t, res.Err)
}
