// Package telegram checks a bot's webhook registration through the Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors for the webhook check.
var (
	ErrNoToken      = errors.New("bot token not configured")
	ErrUnauthorized = errors.New("bot token rejected")
)

// Client calls the Telegram Bot API. The token is part of every request path
// and is kept out of errors and logs.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Bot API client.
func NewClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

// WebhookInfo is the registration state reported by getWebhookInfo.
type WebhookInfo struct {
	URL                  string    `json:"url"`
	PendingUpdateCount   int       `json:"pending_update_count"`
	LastErrorDate        time.Time `json:"-"`
	LastErrorMessage     string    `json:"last_error_message,omitempty"`
	MaxConnections       int       `json:"max_connections,omitempty"`
	HasCustomCertificate bool      `json:"has_custom_certificate"`
}

// Registered reports whether any webhook URL is set.
func (w *WebhookInfo) Registered() bool {
	return w.URL != ""
}

// Matches reports whether the registered URL equals expected, ignoring a
// trailing slash.
func (w *WebhookInfo) Matches(expected string) bool {
	return strings.TrimRight(w.URL, "/") == strings.TrimRight(expected, "/")
}

// ExpectedURL joins the service base URL and the webhook path.
func ExpectedURL(baseURL, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(baseURL, "/") + path
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

type webhookResult struct {
	WebhookInfo
	LastErrorDate int64 `json:"last_error_date"`
}

// WebhookInfo fetches the current webhook registration.
func (c *Client) WebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	if c.token == "" {
		return nil, ErrNoToken
	}

	var result webhookResult
	if err := c.call(ctx, "getWebhookInfo", &result); err != nil {
		return nil, err
	}

	info := result.WebhookInfo
	if result.LastErrorDate > 0 {
		info.LastErrorDate = time.Unix(result.LastErrorDate, 0).UTC()
	}

	c.logger.Debug("webhook info fetched", "pending_updates", info.PendingUpdateCount, "registered", info.Registered())
	return &info, nil
}

func (c *Client) call(ctx context.Context, method string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/bot"+c.token+"/"+method, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", c.redact(err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, c.redact(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decoding response (%d): %w", resp.StatusCode, err)
	}

	if !envelope.OK {
		if resp.StatusCode == http.StatusUnauthorized || envelope.ErrorCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", ErrUnauthorized, envelope.Description)
		}
		return fmt.Errorf("bot api error (%d): %s", envelope.ErrorCode, envelope.Description)
	}

	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return nil
}

// redact strips the request URL, which contains the token, from transport errors.
func (c *Client) redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	if c.token != "" && strings.Contains(err.Error(), c.token) {
		return errors.New(strings.ReplaceAll(err.Error(), c.token, "<redacted>"))
	}
	return err
}
