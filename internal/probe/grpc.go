package probe

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/narvanalabs/deployprobe/internal/models"
	"github.com/narvanalabs/deployprobe/pkg/config"
)

// GRPCProber calls grpc.health.v1.Health/Check. Results are mapped onto HTTP
// status codes so they print and aggregate like HTTP probes: SERVING is 200,
// any other serving status 503, an unknown service 404, a server without the
// health service 501 and a transport failure the unreachable sentinel.
type GRPCProber struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewGRPCProber creates a gRPC health prober.
func NewGRPCProber(timeout time.Duration, logger *slog.Logger) *GRPCProber {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultHTTPConfig().Timeout
	}
	return &GRPCProber{timeout: timeout, logger: logger}
}

// Probe checks ep.Target. Targets on port 443 use TLS with system roots.
func (p *GRPCProber) Probe(ctx context.Context, ep config.Endpoint) models.ProbeResult {
	result := models.ProbeResult{
		Endpoint: ep.String(),
		Method:   models.MethodGRPC,
	}

	creds := insecure.NewCredentials()
	if strings.HasSuffix(ep.Target, ":443") {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	conn, err := grpc.NewClient(ep.Target, grpc.WithTransportCredentials(creds))
	if err != nil {
		result.Err = err.Error()
		return result
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ep.GRPCService})
	result.Duration = time.Since(start)

	if err != nil {
		st := status.Convert(err)
		switch st.Code() {
		case codes.NotFound:
			result.StatusCode = http.StatusNotFound
		case codes.Unimplemented:
			result.StatusCode = http.StatusNotImplemented
		case codes.DeadlineExceeded:
			result.Err = "timeout: " + st.Message()
		default:
			result.Err = st.Code().String() + ": " + st.Message()
		}
		if result.StatusCode != models.StatusUnreachable {
			result.StatusLine = "grpc " + st.Code().String()
			result.Body = st.Message()
		} else {
			p.logger.Warn("grpc probe failed", "target", ep.Target, "error", result.Err)
		}
		return result
	}

	servingStatus := resp.GetStatus()
	result.StatusLine = "grpc " + servingStatus.String()
	if servingStatus == healthpb.HealthCheckResponse_SERVING {
		result.StatusCode = http.StatusOK
	} else {
		result.StatusCode = http.StatusServiceUnavailable
	}
	return result
}
