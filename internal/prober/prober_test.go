package prober

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/deployprobe/internal/controlplane"
	"github.com/narvanalabs/deployprobe/internal/logquery"
	"github.com/narvanalabs/deployprobe/internal/models"
	"github.com/narvanalabs/deployprobe/internal/probe"
	"github.com/narvanalabs/deployprobe/internal/telegram"
	"github.com/narvanalabs/deployprobe/pkg/config"
	"github.com/narvanalabs/deployprobe/pkg/logger"
)

const (
	runURL      = "https://run.test"
	loggingURL  = "https://logging.test"
	telegramURL = "https://telegram.test"
	serviceURL  = "https://svc-a.example.com"
	botToken    = "123456:bot-token"
	servicePath = "/v2/projects/proj/locations/asia-southeast1/services/"
)

var testNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Service = "svc-a"
	cfg.Region = "asia-southeast1"
	cfg.Project = "proj"
	cfg.Timeout = 5 * time.Second
	cfg.CloudRun.Endpoint = runURL
	cfg.CloudRun.AccessToken = "tok"
	cfg.Logs.CloudLogging.Endpoint = loggingURL
	cfg.Webhook.APIURL = telegramURL
	cfg.Webhook.BotToken = botToken
	return cfg
}

// recorder is a Reporter that keeps every call in order.
type recorder struct {
	calls   []string
	desc    *models.ServiceDescriptor
	probes  []models.ProbeResult
	logs    []LogStep
	webhook *WebhookStep
	summary *Result
}

func (r *recorder) Service(runID string, desc *models.ServiceDescriptor) {
	r.calls = append(r.calls, "service")
	r.desc = desc
}

func (r *recorder) Probe(result models.ProbeResult) {
	r.calls = append(r.calls, "probe "+result.Endpoint)
	r.probes = append(r.probes, result)
}

func (r *recorder) Logs(step LogStep) {
	r.calls = append(r.calls, "logs "+step.Name)
	r.logs = append(r.logs, step)
}

func (r *recorder) Webhook(step WebhookStep) {
	r.calls = append(r.calls, "webhook")
	r.webhook = &step
}

func (r *recorder) Summary(result *Result) {
	r.calls = append(r.calls, "summary")
	r.summary = result
}

type fakeSink struct {
	published []models.ProbeResult
	runID     string
	err       error
}

func (s *fakeSink) PublishProbes(ctx context.Context, desc *models.ServiceDescriptor, runID string, results []models.ProbeResult) error {
	s.runID = runID
	s.published = append(s.published, results...)
	return s.err
}

type countingProber struct{ calls int }

func (c *countingProber) Probe(ctx context.Context, baseURL string, ep config.Endpoint) models.ProbeResult {
	c.calls++
	return models.ProbeResult{Endpoint: ep.Path, Method: ep.Method, StatusCode: 200, StatusLine: "HTTP/1.1 200 OK"}
}

func interceptedClient(t *testing.T) *http.Client {
	t.Helper()
	client := &http.Client{}
	gock.InterceptClient(client)
	t.Cleanup(func() {
		gock.RestoreClient(client)
		gock.Off()
	})
	return client
}

func requestEntries(n int) []map[string]any {
	entries := make([]map[string]any, n)
	for i := range entries {
		entries[i] = map[string]any{
			"timestamp": testNow.Add(-time.Duration(i) * 10 * time.Second).Format(time.RFC3339Nano),
			"severity":  "INFO",
			"httpRequest": map[string]any{
				"requestMethod": "POST",
				"requestUrl":    serviceURL + "/telegram",
				"status":        200,
			},
		}
	}
	return entries
}

func TestRunEndToEnd(t *testing.T) {
	cfg := testConfig()
	client := interceptedClient(t)

	gock.New(runURL).
		Get(servicePath + "svc-a").
		Reply(http.StatusOK).
		JSON(map[string]string{
			"uri":                   serviceURL,
			"latestReadyRevision":   "projects/proj/locations/asia-southeast1/services/svc-a/revisions/svc-a-00012-abc",
			"latestCreatedRevision": "projects/proj/locations/asia-southeast1/services/svc-a/revisions/svc-a-00012-abc",
		})
	gock.New(serviceURL).
		Get("/healthz/").
		MatchHeader("X-Request-ID", "run-1").
		Reply(http.StatusOK).
		BodyString("ok")
	gock.New(serviceURL).
		Get("/telegram").
		Reply(http.StatusMethodNotAllowed).
		BodyString("Method Not Allowed")
	gock.New(loggingURL).
		Post("/v2/entries:list").
		Reply(http.StatusOK).
		JSON(map[string]any{"entries": requestEntries(30)})
	gock.New(loggingURL).
		Post("/v2/entries:list").
		Reply(http.StatusOK).
		JSON(map[string]any{})
	gock.New(telegramURL).
		Get("/bot" + botToken + "/getWebhookInfo").
		Reply(http.StatusOK).
		JSON(map[string]any{"ok": true, "result": map[string]any{"url": serviceURL + "/telegram", "pending_update_count": 0}})

	resolver, err := controlplane.New(cfg, client, nil)
	require.NoError(t, err)
	source, err := logquery.New(context.Background(), cfg, client, nil)
	require.NoError(t, err)

	rec := &recorder{}
	sink := &fakeSink{}
	p := New(cfg, Deps{
		Resolver: resolver,
		HTTP:     probe.NewHTTPProber(probe.HTTPConfig{Timeout: cfg.Timeout}, client, nil),
		Logs:     source,
		Webhook:  telegram.NewClient(cfg.Webhook.APIURL, cfg.Webhook.BotToken, client, nil),
		Events:   sink,
		Reporter: rec,
	})
	p.now = func() time.Time { return testNow }

	ctx := logger.ContextWithRunID(context.Background(), "run-1")
	result, err := p.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"service",
		"probe /healthz/",
		"probe /telegram",
		"logs " + StepRequests,
		"logs " + StepErrors,
		"webhook",
		"summary",
	}, rec.calls)

	assert.Equal(t, serviceURL, rec.desc.URL)
	assert.Equal(t, "svc-a-00012-abc", rec.desc.ReadyRevision)

	require.Len(t, result.Probes, 2)
	assert.Equal(t, 200, result.Probes[0].StatusCode)
	assert.Equal(t, "ok", result.Probes[0].Body)
	assert.Equal(t, 405, result.Probes[1].StatusCode)

	requests := result.Logs[0]
	require.NoError(t, requests.Err)
	assert.Len(t, requests.Records, 30)
	assert.Equal(t, testNow.Add(-10*time.Minute), requests.Query.Since)
	for i := 1; i < len(requests.Records); i++ {
		assert.False(t, requests.Records[i].Timestamp.After(requests.Records[i-1].Timestamp))
	}
	for _, r := range requests.Records {
		assert.Equal(t, "POST", r.Method)
		assert.Contains(t, r.URL, "/telegram")
	}

	assert.NoError(t, result.Logs[1].Err)
	assert.Empty(t, result.Logs[1].Records)

	assert.False(t, result.Webhook.Mismatch())
	assert.Equal(t, "run-1", sink.runID)
	assert.Len(t, sink.published, 2)

	assert.Equal(t, models.StatusHealthy, result.Status)
	assert.True(t, gock.IsDone())
}

func TestRunUnknownServiceAbortsBeforeProbes(t *testing.T) {
	cfg := testConfig()
	cfg.Service = "ghost"
	client := interceptedClient(t)

	gock.New(runURL).
		Get(servicePath + "ghost").
		Reply(http.StatusNotFound).
		JSON(map[string]any{"error": map[string]any{"code": 404, "message": "not found"}})

	resolver, err := controlplane.New(cfg, client, nil)
	require.NoError(t, err)

	rec := &recorder{}
	httpProber := &countingProber{}
	sink := &fakeSink{}
	p := New(cfg, Deps{Resolver: resolver, HTTP: httpProber, Events: sink, Reporter: rec})

	result, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, result)

	var cpErr *controlplane.Error
	require.True(t, errors.As(err, &cpErr))
	assert.ErrorIs(t, err, controlplane.ErrServiceNotFound)

	assert.Zero(t, httpProber.calls)
	assert.Empty(t, rec.calls)
	assert.Empty(t, sink.published)
}

type staticResolver struct {
	desc *models.ServiceDescriptor
	err  error
}

func (s staticResolver) Resolve(ctx context.Context, service, region string) (*models.ServiceDescriptor, error) {
	return s.desc, s.err
}

func (s staticResolver) Name() string { return "static" }

func TestRunWrapsUntypedResolverErrors(t *testing.T) {
	p := New(testConfig(), Deps{
		Resolver: staticResolver{err: fmt.Errorf("dial tcp: connection refused")},
		HTTP:     &countingProber{},
		Reporter: &recorder{},
	})

	_, err := p.Run(context.Background())

	var cpErr *controlplane.Error
	require.True(t, errors.As(err, &cpErr))
	assert.Equal(t, "static", cpErr.Backend)
	assert.Equal(t, "svc-a", cpErr.Service)
}

func TestRunSkipsUnconfiguredSteps(t *testing.T) {
	desc := &models.ServiceDescriptor{Name: "svc-a", URL: serviceURL, ReadyRevision: "r1", CreatedRevision: "r1"}
	rec := &recorder{}
	p := New(testConfig(), Deps{
		Resolver: staticResolver{desc: desc},
		HTTP:     &countingProber{},
		Reporter: rec,
	})

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Logs, 2)
	assert.NotEmpty(t, result.Logs[0].Skipped)
	assert.NotEmpty(t, result.Logs[1].Skipped)
	assert.NotEmpty(t, result.Webhook.Skipped)
	assert.Equal(t, serviceURL+"/telegram", result.Webhook.Expected)
	assert.Len(t, result.Components, 2, "only the probes are graded")
	assert.Equal(t, models.StatusHealthy, result.Status)
}

type failingSource struct{}

func (failingSource) Name() string { return "broken" }
func (failingSource) Close() error { return nil }
func (failingSource) Query(ctx context.Context, q logquery.Query) (logquery.Cursor, error) {
	return nil, errors.New("permission denied")
}

// queryRecorder captures the queries it receives and returns no records.
type queryRecorder struct{ queries []logquery.Query }

func (r *queryRecorder) Name() string { return "recorder" }
func (r *queryRecorder) Close() error { return nil }
func (r *queryRecorder) Query(ctx context.Context, q logquery.Query) (logquery.Cursor, error) {
	r.queries = append(r.queries, q)
	return emptyCursor{}, nil
}

type emptyCursor struct{}

func (emptyCursor) Next(ctx context.Context) bool { return false }
func (emptyCursor) Record() models.LogRecord      { return models.LogRecord{} }
func (emptyCursor) Err() error                    { return nil }
func (emptyCursor) Close() error                  { return nil }

func TestRunScopesLogQueriesToApp(t *testing.T) {
	tests := []struct {
		name    string
		app     string
		wantApp string
		present bool
	}{
		{name: "multi-app control plane", app: "app-7", wantApp: "app-7", present: true},
		{name: "no app", app: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := &models.ServiceDescriptor{Name: "web", URL: serviceURL, App: tt.app}
			source := &queryRecorder{}
			p := New(testConfig(), Deps{
				Resolver: staticResolver{desc: desc},
				HTTP:     &countingProber{},
				Logs:     source,
				Reporter: &recorder{},
			})

			_, err := p.Run(context.Background())
			require.NoError(t, err)

			require.Len(t, source.queries, 2)
			for _, q := range source.queries {
				assert.Equal(t, "web", q.Labels[logquery.LabelService])
				app, ok := q.Labels[logquery.LabelApp]
				assert.Equal(t, tt.present, ok)
				assert.Equal(t, tt.wantApp, app)
			}
		})
	}
}

type staticWebhook struct {
	info *telegram.WebhookInfo
	err  error
}

func (s staticWebhook) WebhookInfo(ctx context.Context) (*telegram.WebhookInfo, error) {
	return s.info, s.err
}

func TestRunToleratesStepFailures(t *testing.T) {
	desc := &models.ServiceDescriptor{Name: "svc-a", URL: serviceURL, ReadyRevision: "r1", CreatedRevision: "r2"}
	rec := &recorder{}
	sink := &fakeSink{err: errors.New("leader not available")}
	p := New(testConfig(), Deps{
		Resolver: staticResolver{desc: desc},
		HTTP:     &countingProber{},
		Logs:     failingSource{},
		Webhook:  staticWebhook{info: &telegram.WebhookInfo{URL: "https://old.example.com/telegram"}},
		Events:   sink,
		Reporter: rec,
	})

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, rec.calls, 7, "every step still reports")
	for _, step := range result.Logs {
		require.Error(t, step.Err)
		assert.Contains(t, step.Err.Error(), "broken query: permission denied")
	}
	assert.True(t, result.Webhook.Mismatch())
	assert.Error(t, result.EventsErr)
	assert.Equal(t, models.StatusDegraded, result.Status)

	names := make([]string, 0, len(result.Components))
	for _, comp := range result.Components {
		names = append(names, comp.Name)
	}
	assert.Contains(t, names, "rollout")
	assert.Contains(t, names, "webhook")
}

func TestRunStopsOnCancel(t *testing.T) {
	desc := &models.ServiceDescriptor{Name: "svc-a", URL: serviceURL}
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}

	p := New(testConfig(), Deps{
		Resolver: cancellingResolver{desc: desc, cancel: cancel},
		HTTP:     &countingProber{},
		Reporter: rec,
	})

	result, err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Equal(t, []string{"service"}, rec.calls)
}

type cancellingResolver struct {
	desc   *models.ServiceDescriptor
	cancel context.CancelFunc
}

func (c cancellingResolver) Resolve(ctx context.Context, service, region string) (*models.ServiceDescriptor, error) {
	c.cancel()
	return c.desc, nil
}

func (c cancellingResolver) Name() string { return "cancelling" }

func TestEndpointsAppendsDeclaredHealthPath(t *testing.T) {
	p := New(testConfig(), Deps{})

	endpoints := p.endpoints(&models.ServiceDescriptor{HealthPath: "/health"})
	require.Len(t, endpoints, 3)
	assert.Equal(t, "/health", endpoints[2].Path)

	endpoints = p.endpoints(&models.ServiceDescriptor{HealthPath: "/healthz/"})
	assert.Len(t, endpoints, 2)

	endpoints = p.endpoints(&models.ServiceDescriptor{})
	assert.Len(t, endpoints, 2)
}

func TestRunGRPCEndpointWithoutProber(t *testing.T) {
	cfg := testConfig()
	cfg.Endpoints = []config.Endpoint{{Kind: config.EndpointGRPC, Target: "localhost:9090"}}
	desc := &models.ServiceDescriptor{Name: "svc-a", URL: serviceURL}

	p := New(cfg, Deps{Resolver: staticResolver{desc: desc}, HTTP: &countingProber{}, Reporter: &recorder{}})
	result, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Probes, 1)
	assert.Equal(t, models.StatusUnreachable, result.Probes[0].StatusCode)
	assert.Equal(t, models.StatusUnhealthy, result.Status)
}
