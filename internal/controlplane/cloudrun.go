package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/narvanalabs/deployprobe/internal/models"
	"github.com/narvanalabs/deployprobe/pkg/config"
)

// CloudRunConfig holds Cloud Run Admin API settings.
type CloudRunConfig struct {
	Endpoint    string
	Project     string
	AccessToken string
}

// CloudRunClient resolves services through the Cloud Run Admin API v2.
type CloudRunClient struct {
	cfg        CloudRunConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// cloudRunService is the subset of the v2 Service resource the prober reads.
type cloudRunService struct {
	Name                  string `json:"name"`
	URI                   string `json:"uri"`
	LatestReadyRevision   string `json:"latestReadyRevision"`
	LatestCreatedRevision string `json:"latestCreatedRevision"`
}

// googleAPIError is the standard Google API error envelope.
type googleAPIError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// NewCloudRunClient creates a Cloud Run resolver.
func NewCloudRunClient(cfg CloudRunConfig, httpClient *http.Client, logger *slog.Logger) *CloudRunClient {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &CloudRunClient{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Name implements Resolver.
func (c *CloudRunClient) Name() string {
	return config.ControlPlaneCloudRun
}

// Resolve implements Resolver.
func (c *CloudRunClient) Resolve(ctx context.Context, service, region string) (*models.ServiceDescriptor, error) {
	svc, err := c.getService(ctx, service, region)
	if err != nil {
		return nil, &Error{Backend: c.Name(), Service: service, Err: err}
	}

	if svc.URI == "" {
		return nil, &Error{Backend: c.Name(), Service: service, Err: ErrNoURL}
	}

	desc := &models.ServiceDescriptor{
		Name:            service,
		Region:          region,
		URL:             strings.TrimRight(svc.URI, "/"),
		ReadyRevision:   shortName(svc.LatestReadyRevision),
		CreatedRevision: shortName(svc.LatestCreatedRevision),
		Backend:         c.Name(),
	}

	c.logger.Debug("service resolved",
		"service", service,
		"url", desc.URL,
		"ready_revision", desc.ReadyRevision,
	)
	return desc, nil
}

func (c *CloudRunClient) getService(ctx context.Context, service, region string) (*cloudRunService, error) {
	endpoint := fmt.Sprintf("%s/v2/projects/%s/locations/%s/services/%s",
		strings.TrimRight(c.cfg.Endpoint, "/"),
		url.PathEscape(c.cfg.Project),
		url.PathEscape(region),
		url.PathEscape(service),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr googleAPIError
		message := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			message = apiErr.Error.Message
		}
		return nil, statusError(resp.StatusCode, message)
	}

	var svc cloudRunService
	if err := json.NewDecoder(resp.Body).Decode(&svc); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &svc, nil
}

// shortName trims a resource name such as
// projects/p/locations/r/services/s/revisions/s-00012-abc to its last segment.
func shortName(resource string) string {
	if resource == "" {
		return ""
	}
	return path.Base(resource)
}
