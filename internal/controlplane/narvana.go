package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/narvanalabs/deployprobe/internal/models"
	"github.com/narvanalabs/deployprobe/pkg/config"
)

// NarvanaClient resolves services through the Narvana control-plane API.
// Revisions are deployment IDs; the public URL is the service's verified domain.
type NarvanaClient struct {
	baseURL    string
	app        string
	httpClient *http.Client
	token      string
	logger     *slog.Logger
}

// Service represents a service within an app.
type Service struct {
	Name        string             `json:"name"`
	HealthCheck *HealthCheckConfig `json:"health_check,omitempty"`
}

// HealthCheckConfig is the health check a service declares.
type HealthCheckConfig struct {
	Path string `json:"path,omitempty"`
	Port int    `json:"port,omitempty"`
}

// Deployment represents a deployment from the API.
type Deployment struct {
	ID          string    `json:"id"`
	AppID       string    `json:"app_id"`
	ServiceName string    `json:"service_name"`
	Version     int       `json:"version"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Domain represents a custom domain mapping for a service.
type Domain struct {
	ID         string `json:"id"`
	Service    string `json:"service"`
	Domain     string `json:"domain"`
	IsWildcard bool   `json:"is_wildcard"`
	Verified   bool   `json:"verified"`
}

const deploymentStatusRunning = "running"

// NewNarvanaClient creates a new control-plane client scoped to one app.
func NewNarvanaClient(baseURL, app string, httpClient *http.Client, logger *slog.Logger) *NarvanaClient {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &NarvanaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		app:        app,
		httpClient: httpClient,
		logger:     logger,
	}
}

// WithToken returns a new client with the specified auth token.
func (c *NarvanaClient) WithToken(token string) *NarvanaClient {
	return &NarvanaClient{
		baseURL:    c.baseURL,
		app:        c.app,
		httpClient: c.httpClient,
		token:      token,
		logger:     c.logger,
	}
}

// Name implements Resolver.
func (c *NarvanaClient) Name() string {
	return config.ControlPlaneNarvana
}

// Resolve implements Resolver. Narvana has no regions; region is carried
// through to the descriptor unchanged.
func (c *NarvanaClient) Resolve(ctx context.Context, service, region string) (*models.ServiceDescriptor, error) {
	fail := func(err error) (*models.ServiceDescriptor, error) {
		return nil, &Error{Backend: c.Name(), Service: service, Err: err}
	}

	svc, err := c.GetService(ctx, service)
	if err != nil {
		return fail(err)
	}

	deployments, err := c.ListDeployments(ctx)
	if err != nil {
		return fail(err)
	}

	domains, err := c.ListDomains(ctx)
	if err != nil {
		return fail(err)
	}

	domain := pickDomain(domains, service)
	if domain == "" {
		return fail(ErrNoURL)
	}

	created, ready := pickRevisions(deployments, service)

	desc := &models.ServiceDescriptor{
		Name:            service,
		Region:          region,
		URL:             "https://" + domain,
		ReadyRevision:   ready,
		CreatedRevision: created,
		App:             appID(deployments, service, c.app),
		Backend:         c.Name(),
	}
	if svc.HealthCheck != nil && svc.HealthCheck.Path != "" {
		desc.HealthPath = svc.HealthCheck.Path
	}

	c.logger.Debug("service resolved",
		"service", service,
		"url", desc.URL,
		"ready_revision", ready,
		"created_revision", created,
	)
	return desc, nil
}

// GetService fetches a single service of the app.
func (c *NarvanaClient) GetService(ctx context.Context, name string) (*Service, error) {
	var svc Service
	err := c.get(ctx, "/v1/apps/"+url.PathEscape(c.app)+"/services/"+url.PathEscape(name), &svc)
	return &svc, err
}

// ListDeployments fetches all deployments of the app.
func (c *NarvanaClient) ListDeployments(ctx context.Context) ([]Deployment, error) {
	var deployments []Deployment
	err := c.get(ctx, "/v1/apps/"+url.PathEscape(c.app)+"/deployments", &deployments)
	return deployments, err
}

// ListDomains fetches all domains of the app.
func (c *NarvanaClient) ListDomains(ctx context.Context) ([]Domain, error) {
	var resp struct {
		Domains []Domain `json:"domains"`
	}
	err := c.get(ctx, "/v1/apps/"+url.PathEscape(c.app)+"/domains", &resp)
	return resp.Domains, err
}

// pickRevisions returns the newest deployment of service and the newest
// running one.
func pickRevisions(deployments []Deployment, service string) (created, ready string) {
	var own []Deployment
	for _, d := range deployments {
		if d.ServiceName == service {
			own = append(own, d)
		}
	}
	sort.SliceStable(own, func(i, j int) bool {
		if own[i].CreatedAt.Equal(own[j].CreatedAt) {
			return own[i].Version > own[j].Version
		}
		return own[i].CreatedAt.After(own[j].CreatedAt)
	})

	for _, d := range own {
		if created == "" {
			created = d.ID
		}
		if d.Status == deploymentStatusRunning {
			ready = d.ID
			break
		}
	}
	return created, ready
}

// appID returns the app id recorded on the service's deployments, falling
// back to the configured app reference.
func appID(deployments []Deployment, service, fallback string) string {
	for _, d := range deployments {
		if d.ServiceName == service && d.AppID != "" {
			return d.AppID
		}
	}
	return fallback
}

// pickDomain returns the first verified, non-wildcard domain of service.
func pickDomain(domains []Domain, service string) string {
	for _, d := range domains {
		if d.Service == service && d.Verified && !d.IsWildcard {
			return d.Domain
		}
	}
	return ""
}

// get performs a GET request and unmarshals the response.
func (c *NarvanaClient) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
