// Package prober runs one diagnostic pass over a deployed service: resolve,
// probe, query logs, check the webhook, then summarize. Steps run strictly in
// order and only resolution failure stops the run.
package prober

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/narvanalabs/deployprobe/internal/controlplane"
	"github.com/narvanalabs/deployprobe/internal/logquery"
	"github.com/narvanalabs/deployprobe/internal/models"
	"github.com/narvanalabs/deployprobe/internal/telegram"
	"github.com/narvanalabs/deployprobe/pkg/config"
	"github.com/narvanalabs/deployprobe/pkg/logger"
)

// Log step names.
const (
	StepRequests = "requests"
	StepErrors   = "errors"
)

// HTTPProber probes an endpoint relative to a base URL.
type HTTPProber interface {
	Probe(ctx context.Context, baseURL string, ep config.Endpoint) models.ProbeResult
}

// GRPCProber probes a gRPC health endpoint.
type GRPCProber interface {
	Probe(ctx context.Context, ep config.Endpoint) models.ProbeResult
}

// WebhookChecker fetches the bot's webhook registration.
type WebhookChecker interface {
	WebhookInfo(ctx context.Context) (*telegram.WebhookInfo, error)
}

// EventSink publishes probe outcomes.
type EventSink interface {
	PublishProbes(ctx context.Context, desc *models.ServiceDescriptor, runID string, results []models.ProbeResult) error
}

// Reporter receives each step as soon as it completes.
type Reporter interface {
	Service(runID string, desc *models.ServiceDescriptor)
	Probe(result models.ProbeResult)
	Logs(step LogStep)
	Webhook(step WebhookStep)
	Summary(result *Result)
}

// LogStep is the outcome of one log query. Err and Skipped are tolerated
// failures; the run goes on either way.
type LogStep struct {
	Name    string
	Query   logquery.Query
	Window  time.Duration
	Records []models.LogRecord
	Skipped string
	Err     error
}

// WebhookStep is the outcome of the webhook registration check.
type WebhookStep struct {
	Expected string
	Info     *telegram.WebhookInfo
	Skipped  string
	Err      error
}

// Mismatch reports whether a webhook is registered somewhere other than Expected.
func (s WebhookStep) Mismatch() bool {
	return s.Info != nil && !s.Info.Matches(s.Expected)
}

// Component is the verdict on one step.
type Component struct {
	Name    string
	Status  models.Status
	Message string
}

// Result collects every step of a run.
type Result struct {
	RunID      string
	Service    *models.ServiceDescriptor
	Probes     []models.ProbeResult
	Logs       []LogStep
	Webhook    WebhookStep
	EventsErr  error
	Components []Component
	Status     models.Status
}

// Deps are the collaborators of a Prober. Logs, Webhook, GRPC and Events may
// be nil; the matching steps are then skipped.
type Deps struct {
	Resolver controlplane.Resolver
	HTTP     HTTPProber
	GRPC     GRPCProber
	Logs     logquery.Source
	Webhook  WebhookChecker
	Events   EventSink
	Reporter Reporter
	Logger   *logger.Logger
}

// Prober runs the diagnostic pass.
type Prober struct {
	cfg  *config.Config
	deps Deps
	now  func() time.Time
}

// New creates a Prober.
func New(cfg *config.Config, deps Deps) *Prober {
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	return &Prober{cfg: cfg, deps: deps, now: time.Now}
}

// Run executes every step in order. It returns an error only when the service
// cannot be resolved (a *controlplane.Error) or ctx is cancelled; in the latter
// case the partial result is returned alongside.
func (p *Prober) Run(ctx context.Context) (*Result, error) {
	log := p.deps.Logger.WithContext(ctx).WithComponent("prober")
	result := &Result{RunID: logger.RunIDFromContext(ctx)}

	desc, err := p.resolve(ctx)
	if err != nil {
		log.WithError(err).Error("service resolution failed")
		return nil, err
	}
	result.Service = desc
	p.deps.Reporter.Service(result.RunID, desc)

	for _, ep := range p.endpoints(desc) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		probe := p.probe(ctx, desc, ep)
		result.Probes = append(result.Probes, probe)
		p.deps.Reporter.Probe(probe)
	}

	now := p.now()
	queries := []LogStep{
		{
			Name:   StepRequests,
			Window: p.cfg.Logs.RequestWindow,
			Query: logquery.RequestQuery(p.cfg.Logs.ResourceType, desc.Name, p.cfg.Logs.RequestURL,
				p.cfg.Logs.RequestWindow, now, p.cfg.Logs.Limit).ForApp(desc.App),
		},
		{
			Name:  StepErrors,
			Query: logquery.ErrorQuery(p.cfg.Logs.ResourceType, desc.Name, p.cfg.Logs.ErrorPatterns, p.cfg.Logs.Limit).ForApp(desc.App),
		},
	}
	for _, step := range queries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		step = p.queryLogs(ctx, step)
		if step.Err != nil {
			log.WithError(step.Err).Warn("log query failed", "query", step.Name)
		}
		result.Logs = append(result.Logs, step)
		p.deps.Reporter.Logs(step)
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	result.Webhook = p.checkWebhook(ctx, desc)
	if result.Webhook.Err != nil {
		log.WithError(result.Webhook.Err).Warn("webhook check failed")
	}
	p.deps.Reporter.Webhook(result.Webhook)

	if p.deps.Events != nil {
		eventsCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		result.EventsErr = p.deps.Events.PublishProbes(eventsCtx, desc, result.RunID, result.Probes)
		cancel()
		if result.EventsErr != nil {
			log.WithError(result.EventsErr).Warn("publishing probe events failed")
		}
	}

	result.Components = p.evaluate(result, now)
	result.Status = Aggregate(result.Components)
	p.deps.Reporter.Summary(result)

	log.Info("probe run finished", "status", result.Status, "probes", len(result.Probes))
	return result, nil
}

func (p *Prober) resolve(ctx context.Context) (*models.ServiceDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	desc, err := p.deps.Resolver.Resolve(ctx, p.cfg.Service, p.cfg.Region)
	if err != nil {
		var cpErr *controlplane.Error
		if !errors.As(err, &cpErr) {
			err = &controlplane.Error{Backend: p.deps.Resolver.Name(), Service: p.cfg.Service, Err: err}
		}
		return nil, err
	}
	return desc, nil
}

// endpoints returns the configured endpoints plus the control plane's declared
// health path when it is not already listed.
func (p *Prober) endpoints(desc *models.ServiceDescriptor) []config.Endpoint {
	endpoints := append([]config.Endpoint(nil), p.cfg.Endpoints...)
	if desc.HealthPath == "" {
		return endpoints
	}
	for _, ep := range endpoints {
		if ep.Kind != config.EndpointGRPC && ep.Path == desc.HealthPath {
			return endpoints
		}
	}
	return append(endpoints, config.Endpoint{Kind: config.EndpointHTTP, Method: "GET", Path: desc.HealthPath})
}

func (p *Prober) probe(ctx context.Context, desc *models.ServiceDescriptor, ep config.Endpoint) models.ProbeResult {
	if ep.Kind == config.EndpointGRPC {
		if p.deps.GRPC == nil {
			return models.ProbeResult{Endpoint: ep.String(), Method: models.MethodGRPC, Err: "grpc prober not configured"}
		}
		return p.deps.GRPC.Probe(ctx, ep)
	}
	return p.deps.HTTP.Probe(ctx, desc.URL, ep)
}

func (p *Prober) queryLogs(ctx context.Context, step LogStep) LogStep {
	if p.deps.Logs == nil {
		step.Skipped = "no log backend configured"
		return step
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	cursor, err := p.deps.Logs.Query(ctx, step.Query)
	if err != nil {
		step.Err = fmt.Errorf("%s query: %w", p.deps.Logs.Name(), err)
		return step
	}

	records, err := logquery.Collect(ctx, cursor)
	step.Records = records
	if err != nil {
		step.Err = fmt.Errorf("%s query: %w", p.deps.Logs.Name(), err)
	}
	return step
}

func (p *Prober) checkWebhook(ctx context.Context, desc *models.ServiceDescriptor) WebhookStep {
	step := WebhookStep{Expected: telegram.ExpectedURL(desc.URL, p.cfg.Webhook.Path)}
	if p.deps.Webhook == nil {
		step.Skipped = "no bot token configured"
		return step
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	info, err := p.deps.Webhook.WebhookInfo(ctx)
	if err != nil {
		step.Err = err
		return step
	}
	step.Info = info
	return step
}
