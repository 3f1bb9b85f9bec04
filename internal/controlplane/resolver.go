// Package controlplane resolves a deployed service's public URL and revision
// identifiers from the platform that runs it.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/narvanalabs/deployprobe/internal/auth"
	"github.com/narvanalabs/deployprobe/internal/models"
	"github.com/narvanalabs/deployprobe/pkg/config"
)

// Common resolution errors.
var (
	// ErrServiceNotFound is returned when the control plane does not know the service.
	ErrServiceNotFound = errors.New("service not found")
	// ErrUnauthorized is returned when the control plane rejects the credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNoURL is returned when the service exists but has no public URL yet.
	ErrNoURL = errors.New("service has no public URL")
)

// Resolver fetches a ServiceDescriptor from a control plane.
type Resolver interface {
	// Resolve returns the current URL and revisions of service in region.
	Resolve(ctx context.Context, service, region string) (*models.ServiceDescriptor, error)
	// Name identifies the backend in reports.
	Name() string
}

// Error is the fatal resolution failure. Nothing else in a run can proceed
// without the descriptor it failed to produce.
type Error struct {
	Backend string
	Service string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("control plane %s: resolving %q: %v", e.Backend, e.Service, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// statusError classifies a non-2xx control-plane response.
func statusError(status int, message string) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrServiceNotFound, message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, message)
	default:
		return fmt.Errorf("API error (%d): %s", status, message)
	}
}

// New builds the resolver selected by cfg.ControlPlane.
func New(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) (Resolver, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	switch cfg.ControlPlane {
	case config.ControlPlaneCloudRun:
		return NewCloudRunClient(CloudRunConfig{
			Endpoint:    cfg.CloudRun.Endpoint,
			Project:     cfg.Project,
			AccessToken: cfg.CloudRun.AccessToken,
		}, httpClient, logger), nil

	case config.ControlPlaneNarvana:
		client := NewNarvanaClient(cfg.Narvana.URL, cfg.Narvana.App, httpClient, logger)
		if cfg.Narvana.Token != "" {
			return client.WithToken(cfg.Narvana.Token), nil
		}
		issuer, err := auth.NewIssuer(&auth.Config{
			JWTSecret:   []byte(cfg.Narvana.JWTSecret),
			TokenExpiry: cfg.Narvana.TokenExpiry,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating token issuer: %w", err)
		}
		token, err := issuer.GenerateToken(cfg.Narvana.TokenUser, "")
		if err != nil {
			return nil, fmt.Errorf("minting control-plane token: %w", err)
		}
		return client.WithToken(token), nil

	default:
		return nil, fmt.Errorf("unknown control plane %q", cfg.ControlPlane)
	}
}
