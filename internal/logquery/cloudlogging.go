package logquery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/narvanalabs/deployprobe/internal/models"
)

// maxEmptyPages bounds how many empty pages with a continuation token are
// followed before the cursor gives up.
const maxEmptyPages = 5

// CloudLoggingConfig holds Cloud Logging API settings.
type CloudLoggingConfig struct {
	Endpoint    string
	Project     string
	AccessToken string
	PageSize    int
}

// CloudLoggingSource queries Cloud Logging through entries:list.
type CloudLoggingSource struct {
	cfg        CloudLoggingConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCloudLoggingSource creates a Cloud Logging source.
func NewCloudLoggingSource(cfg CloudLoggingConfig, httpClient *http.Client, logger *slog.Logger) *CloudLoggingSource {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &CloudLoggingSource{cfg: cfg, httpClient: httpClient, logger: logger}
}

// Name implements Source.
func (s *CloudLoggingSource) Name() string { return "cloudlogging" }

// Close implements Source.
func (s *CloudLoggingSource) Close() error { return nil }

// Query implements Source. Pages are fetched as the cursor advances.
func (s *CloudLoggingSource) Query(ctx context.Context, q Query) (Cursor, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	filter := CloudLoggingFilter(q)
	s.logger.Debug("cloud logging query", "filter", filter, "limit", q.Limit)

	return Limit(&cloudLoggingCursor{
		source:    s,
		filter:    filter,
		remaining: q.Limit,
	}, q.Limit), nil
}

// CloudLoggingFilter serializes q into the Cloud Logging filter language.
func CloudLoggingFilter(q Query) string {
	var clauses []string

	if q.ResourceType != "" {
		clauses = append(clauses, "resource.type="+quoteFilter(q.ResourceType))
	}

	for _, k := range sortedKeys(q.Labels) {
		// Entries are already scoped by project; revisions carry no app label.
		if k == LabelApp {
			continue
		}
		clauses = append(clauses, "resource.labels."+k+"="+quoteFilter(q.Labels[k]))
	}

	if !q.Since.IsZero() {
		clauses = append(clauses, "timestamp>="+quoteFilter(q.Since.UTC().Format(time.RFC3339Nano)))
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "timestamp<="+quoteFilter(q.Until.UTC().Format(time.RFC3339Nano)))
	}

	var predicates []string
	if q.MinSeverity > models.SeverityDefault {
		predicates = append(predicates, "severity>="+q.MinSeverity.String())
	}
	if q.URLContains != "" {
		predicates = append(predicates, "httpRequest.requestUrl:"+quoteFilter(q.URLContains))
	}
	for _, text := range q.TextContains {
		quoted := quoteFilter(text)
		predicates = append(predicates, "textPayload:"+quoted, "jsonPayload.message:"+quoted)
	}

	switch {
	case len(predicates) == 1:
		clauses = append(clauses, predicates[0])
	case len(predicates) > 1 && q.Mode == MatchAny:
		clauses = append(clauses, "("+strings.Join(predicates, " OR ")+")")
	case len(predicates) > 1:
		clauses = append(clauses, predicates...)
	}

	return strings.Join(clauses, " AND ")
}

func quoteFilter(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

type listEntriesRequest struct {
	ResourceNames []string `json:"resourceNames"`
	Filter        string   `json:"filter"`
	OrderBy       string   `json:"orderBy"`
	PageSize      int      `json:"pageSize"`
	PageToken     string   `json:"pageToken,omitempty"`
}

type listEntriesResponse struct {
	Entries       []cloudLogEntry `json:"entries"`
	NextPageToken string          `json:"nextPageToken"`
}

type cloudLogEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	Severity    string         `json:"severity"`
	TextPayload string         `json:"textPayload"`
	JSONPayload map[string]any `json:"jsonPayload"`
	HTTPRequest *struct {
		RequestMethod string `json:"requestMethod"`
		RequestURL    string `json:"requestUrl"`
		Status        int    `json:"status"`
	} `json:"httpRequest"`
	Resource struct {
		Labels map[string]string `json:"labels"`
	} `json:"resource"`
}

func (e *cloudLogEntry) record() models.LogRecord {
	rec := models.LogRecord{
		Timestamp: e.Timestamp,
		Severity:  models.ParseSeverity(e.Severity),
		Text:      e.TextPayload,
		Revision:  e.Resource.Labels[LabelRevision],
	}
	if rec.Text == "" && e.JSONPayload != nil {
		if msg, ok := e.JSONPayload["message"].(string); ok {
			rec.Text = msg
		} else if b, err := json.Marshal(e.JSONPayload); err == nil {
			rec.Text = string(b)
		}
	}
	if e.HTTPRequest != nil {
		rec.Method = e.HTTPRequest.RequestMethod
		rec.URL = e.HTTPRequest.RequestURL
		rec.Status = e.HTTPRequest.Status
	}
	return rec
}

type cloudLoggingCursor struct {
	source    *CloudLoggingSource
	filter    string
	remaining int

	page       []cloudLogEntry
	pos        int
	pageToken  string
	started    bool
	emptyPages int
	current    models.LogRecord
	err        error
}

func (c *cloudLoggingCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	for c.pos >= len(c.page) {
		if c.remaining <= 0 || (c.started && c.pageToken == "") || c.emptyPages >= maxEmptyPages {
			return false
		}
		if err := c.fetch(ctx); err != nil {
			c.err = err
			return false
		}
	}

	c.current = c.page[c.pos].record()
	c.pos++
	c.remaining--
	return true
}

func (c *cloudLoggingCursor) fetch(ctx context.Context) error {
	pageSize := c.source.cfg.PageSize
	if c.remaining < pageSize {
		pageSize = c.remaining
	}

	payload, err := json.Marshal(listEntriesRequest{
		ResourceNames: []string{"projects/" + c.source.cfg.Project},
		Filter:        c.filter,
		OrderBy:       "timestamp desc",
		PageSize:      pageSize,
		PageToken:     c.pageToken,
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	endpoint := strings.TrimRight(c.source.cfg.Endpoint, "/") + "/v2/entries:list"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.source.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.source.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("cloud logging error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page listEntriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	c.started = true
	c.page = page.Entries
	c.pos = 0
	c.pageToken = page.NextPageToken
	if len(page.Entries) == 0 {
		c.emptyPages++
	}
	return nil
}

func (c *cloudLoggingCursor) Record() models.LogRecord { return c.current }
func (c *cloudLoggingCursor) Err() error               { return c.err }
func (c *cloudLoggingCursor) Close() error             { return nil }
