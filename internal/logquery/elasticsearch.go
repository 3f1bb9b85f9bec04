package logquery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/narvanalabs/deployprobe/internal/models"
)

// ElasticsearchConfig holds request-log index settings.
type ElasticsearchConfig struct {
	Addresses []string
	Index     string
	Username  string
	Password  string
}

// ElasticsearchSource searches an index of request logs shaped like the
// events this tool publishes: timestamp, status_code, method, path, service.
type ElasticsearchSource struct {
	es     *elasticsearch.Client
	index  string
	logger *slog.Logger
}

// esLabelFields maps canonical labels onto document fields.
var esLabelFields = map[string]string{
	LabelService:  "service",
	LabelRevision: "revision",
	LabelApp:      "app_id",
	"request_id":  "request_id",
}

// NewElasticsearchSource creates a client for the configured nodes.
func NewElasticsearchSource(cfg ElasticsearchConfig, httpClient *http.Client, logger *slog.Logger) (*ElasticsearchSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if httpClient != nil && httpClient.Transport != nil {
		esCfg.Transport = httpClient.Transport
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}

	return &ElasticsearchSource{es: es, index: cfg.Index, logger: logger}, nil
}

// Name implements Source.
func (s *ElasticsearchSource) Name() string { return "elasticsearch" }

// Close implements Source.
func (s *ElasticsearchSource) Close() error { return nil }

// Query implements Source. A single search returns at most q.Limit hits.
func (s *ElasticsearchSource) Query(ctx context.Context, q Query) (Cursor, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	body, err := BuildSearchBody(q)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("encoding search body: %w", err)
	}
	s.logger.Debug("elasticsearch query", "index", s.index, "body", strings.TrimSpace(buf.String()))

	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index),
		s.es.Search.WithBody(&buf),
		s.es.Search.WithTrackTotalHits(false),
	)
	if err != nil {
		return nil, fmt.Errorf("searching logs: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch error: %s", res.String())
	}

	var result searchResponse
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	records := make([]models.LogRecord, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		records = append(records, hit.Source.record())
	}

	return Limit(newSliceCursor(records), q.Limit), nil
}

// BuildSearchBody serializes q into an Elasticsearch query DSL body.
// The resource type has no field and is ignored.
func BuildSearchBody(q Query) (map[string]any, error) {
	var filter []any
	for _, k := range sortedKeys(q.Labels) {
		field, ok := esLabelFields[k]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedLabel, k)
		}
		filter = append(filter, map[string]any{"term": map[string]any{field: q.Labels[k]}})
	}

	if !q.Since.IsZero() || !q.Until.IsZero() {
		bounds := map[string]any{}
		if !q.Since.IsZero() {
			bounds["gte"] = q.Since.UTC().Format(time.RFC3339Nano)
		}
		if !q.Until.IsZero() {
			bounds["lte"] = q.Until.UTC().Format(time.RFC3339Nano)
		}
		filter = append(filter, map[string]any{"range": map[string]any{"timestamp": bounds}})
	}

	var predicates []any
	if q.MinSeverity > models.SeverityDefault {
		predicates = append(predicates, severityClause(q.MinSeverity))
	}
	if q.URLContains != "" {
		predicates = append(predicates, map[string]any{
			"wildcard": map[string]any{"path": map[string]any{"value": "*" + escapeWildcard(q.URLContains) + "*"}},
		})
	}
	for _, text := range q.TextContains {
		predicates = append(predicates, map[string]any{"match_phrase": map[string]any{"message": text}})
	}

	boolQuery := map[string]any{}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}
	if len(predicates) > 0 {
		if q.Mode == MatchAny {
			boolQuery["should"] = predicates
			boolQuery["minimum_should_match"] = 1
		} else {
			boolQuery["must"] = predicates
		}
	}

	return map[string]any{
		"size":  q.Limit,
		"sort":  []any{map[string]any{"timestamp": map[string]any{"order": "desc"}}},
		"query": map[string]any{"bool": boolQuery},
	}, nil
}

// severityClause matches documents whose level is at least min, or whose
// status code grades at least min when no level was recorded.
func severityClause(min models.Severity) map[string]any {
	should := []any{
		map[string]any{"terms": map[string]any{"level": levelSpellings(min)}},
	}
	if floor := statusFloor(min); floor > 0 {
		should = append(should, map[string]any{"range": map[string]any{"status_code": map[string]any{"gte": floor}}})
	}
	return map[string]any{"bool": map[string]any{"should": should, "minimum_should_match": 1}}
}

// levelSpellings lists every level name at or above min in upper, lower and
// title case. level is a keyword field, so terms matches exactly.
func levelSpellings(min models.Severity) []string {
	var spellings []string
	for _, name := range min.AtLeast() {
		lower := strings.ToLower(name)
		spellings = append(spellings, name, lower, name[:1]+lower[1:])
	}
	return spellings
}

// statusFloor is the lowest status code graded at or above min, or 0 when no
// status code reaches it.
func statusFloor(min models.Severity) int {
	switch {
	case min <= models.SeverityInfo:
		return 100
	case min <= models.SeverityWarning:
		return 400
	case min <= models.SeverityError:
		return 500
	default:
		return 0
	}
}

func escapeWildcard(s string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`).Replace(s)
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source esDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

type esDocument struct {
	Timestamp  time.Time `json:"timestamp"`
	StatusCode int       `json:"status_code"`
	RequestID  string    `json:"request_id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Service    string    `json:"service"`
	Revision   string    `json:"revision"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
}

func (d esDocument) record() models.LogRecord {
	rec := models.LogRecord{
		Timestamp: d.Timestamp,
		Method:    d.Method,
		Status:    d.StatusCode,
		URL:       d.Path,
		Text:      d.Message,
		Revision:  d.Revision,
	}
	if d.Level != "" {
		rec.Severity = models.ParseSeverity(d.Level)
	} else {
		rec.Severity = severityFromStatus(d.StatusCode)
	}
	return rec
}
