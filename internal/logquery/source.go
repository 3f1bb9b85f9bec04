package logquery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/narvanalabs/deployprobe/pkg/config"
)

// New creates the Source selected by cfg.Logs.Backend. It returns a nil
// Source for the "none" backend.
func New(ctx context.Context, cfg *config.Config, httpClient *http.Client, logger *slog.Logger) (Source, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	switch cfg.Logs.Backend {
	case config.LogBackendCloudLogging:
		return NewCloudLoggingSource(CloudLoggingConfig{
			Endpoint:    cfg.Logs.CloudLogging.Endpoint,
			Project:     cfg.Project,
			AccessToken: cfg.CloudRun.AccessToken,
			PageSize:    cfg.Logs.CloudLogging.PageSize,
		}, httpClient, logger), nil

	case config.LogBackendPostgres:
		pgCfg := DefaultPostgresConfig(cfg.Logs.Postgres.DSN)
		pgCfg.PingTimeout = cfg.Timeout
		source, err := OpenPostgres(ctx, pgCfg, logger)
		if err != nil {
			return nil, err
		}
		return source, nil

	case config.LogBackendElasticsearch:
		source, err := NewElasticsearchSource(ElasticsearchConfig{
			Addresses: cfg.Logs.Elasticsearch.Addresses,
			Index:     cfg.Logs.Elasticsearch.Index,
			Username:  cfg.Logs.Elasticsearch.Username,
			Password:  cfg.Logs.Elasticsearch.Password,
		}, httpClient, logger)
		if err != nil {
			return nil, err
		}
		return source, nil

	case config.LogBackendNone, "":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown log backend %q", cfg.Logs.Backend)
	}
}

// Unavailable returns a Source whose queries all fail with err. It stands in
// for a backend that could not be opened so the failure shows in each log step.
func Unavailable(name string, err error) Source {
	return unavailableSource{name: name, err: err}
}

type unavailableSource struct {
	name string
	err  error
}

func (s unavailableSource) Name() string { return s.name }
func (s unavailableSource) Close() error { return nil }

func (s unavailableSource) Query(ctx context.Context, q Query) (Cursor, error) {
	return nil, fmt.Errorf("backend unavailable: %w", s.err)
}
