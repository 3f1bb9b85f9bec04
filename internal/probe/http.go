// Package probe issues single, bounded health-check requests. A probe never
// returns an error: failures are recorded in the models.ProbeResult.
package probe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/narvanalabs/deployprobe/internal/models"
	"github.com/narvanalabs/deployprobe/pkg/config"
	"github.com/narvanalabs/deployprobe/pkg/logger"
)

// HTTPConfig holds HTTP probe settings.
type HTTPConfig struct {
	Timeout   time.Duration
	BodyLines int
	BodyBytes int64
	UserAgent string
}

// DefaultHTTPConfig returns the settings used when none are configured.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:   10 * time.Second,
		BodyLines: 20,
		BodyBytes: 64 << 10,
		UserAgent: "deployprobe/1",
	}
}

// HTTPProber probes HTTP endpoints relative to a service base URL.
type HTTPProber struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPProber creates an HTTP prober. Redirects are reported, not followed.
func NewHTTPProber(cfg HTTPConfig, client *http.Client, logger *slog.Logger) *HTTPProber {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultHTTPConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.BodyLines <= 0 {
		cfg.BodyLines = defaults.BodyLines
	}
	if cfg.BodyBytes <= 0 {
		cfg.BodyBytes = defaults.BodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}

	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &HTTPProber{cfg: cfg, client: &c, logger: logger}
}

// Probe issues one request to baseURL+ep.Path and captures the status line and
// the first BodyLines lines of the body.
func (p *HTTPProber) Probe(ctx context.Context, baseURL string, ep config.Endpoint) models.ProbeResult {
	method := ep.Method
	if method == "" {
		method = http.MethodGet
	}
	result := models.ProbeResult{
		Endpoint: ep.Path,
		Method:   method,
	}

	target, err := joinURL(baseURL, ep.Path)
	if err != nil {
		result.Err = err.Error()
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	if runID := logger.RunIDFromContext(ctx); runID != "" {
		req.Header.Set("X-Request-ID", runID)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		result.Duration = time.Since(start)
		result.Err = describeError(err)
		p.logger.Warn("probe failed", "url", target, "error", result.Err)
		return result
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, p.cfg.BodyBytes+1))
	result.Duration = time.Since(start)
	result.StatusCode = resp.StatusCode
	result.StatusLine = resp.Proto + " " + resp.Status

	bytesCut := int64(len(raw)) > p.cfg.BodyBytes
	if bytesCut {
		raw = raw[:p.cfg.BodyBytes]
	}
	body, linesCut := firstLines(raw, p.cfg.BodyLines)
	result.Body = body
	result.Truncated = bytesCut || linesCut
	if readErr != nil {
		result.Err = "reading body: " + describeError(readErr)
	}

	if !result.Truncated {
		result.Health = ParseHealth(raw)
	}

	p.logger.Debug("probe done",
		"url", target,
		"status", resp.StatusCode,
		"duration", result.Duration,
	)
	return result
}

func joinURL(baseURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + path)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("base URL must be http or https: " + baseURL)
	}
	return u.String(), nil
}

// firstLines keeps at most n lines of body and reports whether anything was cut.
func firstLines(body []byte, n int) (string, bool) {
	body = bytes.TrimRight(body, "\n")
	if len(body) == 0 {
		return "", false
	}
	lines := bytes.SplitN(body, []byte("\n"), n+1)
	if len(lines) <= n {
		return string(body), false
	}
	return string(bytes.Join(lines[:n], []byte("\n"))), true
}

// describeError shortens transport errors for the report.
func describeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return "timeout: " + err.Error()
	}
	return err.Error()
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
