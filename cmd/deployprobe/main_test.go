package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/deployprobe/internal/secrets"
)

// fakeCloud serves the Cloud Run Admin API, Cloud Logging and the probed
// service itself from one server.
func fakeCloud(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	var srv *httptest.Server

	r.Get("/v2/projects/proj/locations/asia-southeast1/services/{service}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if chi.URLParam(r, "service") != "svc-a" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"service not found"}}`))
			return
		}
		rev := "projects/proj/locations/asia-southeast1/services/svc-a/revisions/svc-a-00012-abc"
		_ = json.NewEncoder(w).Encode(map[string]string{
			"uri":                   srv.URL,
			"latestReadyRevision":   rev,
			"latestCreatedRevision": rev,
		})
	})

	r.Post("/v2/entries:list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"entries": []map[string]any{{
				"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
				"httpRequest": map[string]any{"requestMethod": "POST", "requestUrl": srv.URL + "/telegram", "status": 200},
			}},
		})
	})

	r.Get("/healthz/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/telegram", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv = httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func setEnv(t *testing.T, srv *httptest.Server) {
	t.Helper()
	t.Setenv("GCP_PROJECT", "proj")
	t.Setenv("GOOGLE_OAUTH_ACCESS_TOKEN", "tok")
	t.Setenv("CLOUD_RUN_ENDPOINT", srv.URL)
	t.Setenv("CLOUD_LOGGING_ENDPOINT", srv.URL)
	t.Setenv("PROBE_CONTROL_PLANE", "")
	t.Setenv("PROBE_LOG_BACKEND", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("PROBE_SECRETS_FILE", "")
	t.Setenv("PROBE_CONFIG", "")
}

func TestRunHealthyService(t *testing.T) {
	srv := fakeCloud(t)
	setEnv(t, srv)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--service", "svc-a", "--region", "asia-southeast1", "--timeout", "5s"}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "SERVICE=svc-a\n")
	assert.Contains(t, out, "URL="+srv.URL+"\n")
	assert.Contains(t, out, "READY_REVISION=svc-a-00012-abc\n")
	assert.Contains(t, out, "== probe GET /healthz/\n")
	assert.Contains(t, out, "== probe GET /telegram\n")
	assert.Contains(t, out, "405 Method Not Allowed")
	assert.Contains(t, out, `== logs requests url~"/telegram" since 10m (limit 30)`)
	assert.Contains(t, out, "skipped: no bot token configured")
	assert.True(t, strings.HasSuffix(out, "STATUS=healthy\n"), out)

	assert.NotContains(t, out, "level=", "diagnostics stay off stdout")
}

func TestRunUnknownServiceExitsNonZero(t *testing.T) {
	srv := fakeCloud(t)
	setEnv(t, srv)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--service", "ghost", "--region", "asia-southeast1"}, &stdout, &stderr)

	assert.Equal(t, exitResolve, code)
	assert.Contains(t, stdout.String(), "ERROR=")
	assert.NotContains(t, stdout.String(), "== probe")
}

func TestRunInvalidConfig(t *testing.T) {
	srv := fakeCloud(t)
	setEnv(t, srv)
	t.Setenv("GOOGLE_OAUTH_ACCESS_TOKEN", "")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--service", "svc-a", "--region", "asia-southeast1"}, &stdout, &stderr)

	assert.Equal(t, exitConfig, code)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "invalid configuration")
}

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("PROBE_CONFIG", "")
	t.Setenv("PROBE_REGION", "europe-west1")

	var stderr bytes.Buffer
	cfg, err := loadConfig([]string{
		"--region", "us-central1",
		"--log-backend", "none",
		"--endpoints", "/health,grpc://localhost:9090",
		"--log-json",
	}, &stderr)
	require.NoError(t, err)

	assert.Equal(t, "us-central1", cfg.Region)
	assert.Equal(t, "none", cfg.Logs.Backend)
	assert.True(t, cfg.LogJSON)
	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, "/health", cfg.Endpoints[0].Path)
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	t.Setenv("PROBE_CONFIG", "")
	var stderr bytes.Buffer

	_, err := loadConfig([]string{"--endpoints", "healthz"}, &stderr)
	assert.Error(t, err)

	_, err = loadConfig([]string{"extra"}, &stderr)
	assert.Error(t, err)
}

func TestRunWithSealedSecrets(t *testing.T) {
	srv := fakeCloud(t)
	setEnv(t, srv)
	t.Setenv("GOOGLE_OAUTH_ACCESS_TOKEN", "")

	publicKey, privateKey, err := secrets.GenerateKeyPair()
	require.NoError(t, err)
	box, err := secrets.NewBox(&secrets.Config{AgePublicKey: publicKey}, nil)
	require.NoError(t, err)
	sealed, err := box.Seal(context.Background(), []byte("GOOGLE_OAUTH_ACCESS_TOKEN=tok\n"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "secrets.env.age")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))
	t.Setenv("PROBE_SECRETS_FILE", path)
	t.Setenv("SOPS_AGE_PRIVATE_KEY", privateKey)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--service", "svc-a", "--region", "asia-southeast1"}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.Contains(t, stdout.String(), "SERVICE=svc-a")
	assert.NotContains(t, stdout.String()+stderr.String(), privateKey)
}

func TestRunWithWrongSecretsKey(t *testing.T) {
	srv := fakeCloud(t)
	setEnv(t, srv)

	path := filepath.Join(t.TempDir(), "secrets.env.age")
	require.NoError(t, os.WriteFile(path, []byte("not sealed"), 0o600))
	_, privateKey, err := secrets.GenerateKeyPair()
	require.NoError(t, err)
	t.Setenv("PROBE_SECRETS_FILE", path)
	t.Setenv("SOPS_AGE_PRIVATE_KEY", privateKey)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--service", "svc-a", "--region", "asia-southeast1"}, &stdout, &stderr)
	assert.Equal(t, exitConfig, code)
	assert.Empty(t, stdout.String())
}

func TestRunInterrupted(t *testing.T) {
	srv := fakeCloud(t)
	setEnv(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout, stderr bytes.Buffer
	code := run(ctx, []string{"--service", "svc-a", "--region", "asia-southeast1"}, &stdout, &stderr)
	assert.Equal(t, exitInterrupted, code)
	assert.NotContains(t, stdout.String(), "ERROR=")
}
