// Package logquery reads recent entries from a log store. Queries are
// structured values; each backend serializes them to its own syntax.
package logquery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/narvanalabs/deployprobe/internal/models"
)

// Canonical label keys. Backends map them onto their own fields.
const (
	LabelService  = "service_name"
	LabelRevision = "revision_name"
	LabelApp      = "app_id"
)

// ErrUnsupportedLabel is returned when a backend cannot filter on a label.
var ErrUnsupportedLabel = errors.New("unsupported label")

// MatchMode combines the severity, URL and text predicates of a Query.
// Resource type, labels and the time range always apply.
type MatchMode int

const (
	// MatchAll requires every predicate.
	MatchAll MatchMode = iota
	// MatchAny requires at least one predicate.
	MatchAny
)

// Query is a backend-agnostic log filter.
type Query struct {
	ResourceType string
	Labels       map[string]string

	// MinSeverity of SeverityDefault disables the severity predicate.
	MinSeverity  models.Severity
	URLContains  string
	TextContains []string
	Mode         MatchMode

	// Zero times leave the range open on that side.
	Since time.Time
	Until time.Time

	Limit int
}

// HasPredicates reports whether any severity, URL or text predicate is set.
func (q Query) HasPredicates() bool {
	return q.MinSeverity > models.SeverityDefault || q.URLContains != "" || len(q.TextContains) > 0
}

// Validate checks the query is executable.
func (q Query) Validate() error {
	if q.Limit <= 0 {
		return fmt.Errorf("query limit must be positive, got %d", q.Limit)
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return fmt.Errorf("query range ends before it starts")
	}
	return nil
}

// RequestQuery selects request logs of a service whose URL contains urlPart,
// within window before now.
func RequestQuery(resourceType, service, urlPart string, window time.Duration, now time.Time, limit int) Query {
	q := Query{
		ResourceType: resourceType,
		Labels:       map[string]string{LabelService: service},
		URLContains:  urlPart,
		Limit:        limit,
	}
	if window > 0 {
		q.Since = now.Add(-window)
	}
	return q
}

// ErrorQuery selects entries of a service at ERROR or above, or whose text
// contains any of patterns. It has no time bound.
func ErrorQuery(resourceType, service string, patterns []string, limit int) Query {
	return Query{
		ResourceType: resourceType,
		Labels:       map[string]string{LabelService: service},
		MinSeverity:  models.SeverityError,
		TextContains: patterns,
		Mode:         MatchAny,
		Limit:        limit,
	}
}

// ForApp returns a copy of q narrowed to one application. An empty app
// leaves q unchanged.
func (q Query) ForApp(app string) Query {
	if app == "" {
		return q
	}
	labels := make(map[string]string, len(q.Labels)+1)
	for k, v := range q.Labels {
		labels[k] = v
	}
	labels[LabelApp] = app
	q.Labels = labels
	return q
}

// Cursor is a lazy, finite, non-restartable sequence of records, newest first.
type Cursor interface {
	// Next advances to the next record. It returns false when the sequence is
	// exhausted or an error occurred; check Err afterwards.
	Next(ctx context.Context) bool
	Record() models.LogRecord
	Err() error
	Close() error
}

// Source executes queries against a log store.
type Source interface {
	Name() string
	Query(ctx context.Context, q Query) (Cursor, error)
	Close() error
}

// Limit caps a cursor at n records regardless of what the backend returns.
func Limit(c Cursor, n int) Cursor {
	return &limitCursor{Cursor: c, limit: n}
}

type limitCursor struct {
	Cursor
	limit int
	seen  int
}

func (c *limitCursor) Next(ctx context.Context) bool {
	if c.seen >= c.limit {
		return false
	}
	if !c.Cursor.Next(ctx) {
		return false
	}
	c.seen++
	return true
}

// Collect drains a cursor into a slice and closes it.
func Collect(ctx context.Context, c Cursor) ([]models.LogRecord, error) {
	defer c.Close()

	var records []models.LogRecord
	for c.Next(ctx) {
		records = append(records, c.Record())
	}
	return records, c.Err()
}

// sliceCursor iterates over records already in memory.
type sliceCursor struct {
	records []models.LogRecord
	pos     int
	current models.LogRecord
}

func newSliceCursor(records []models.LogRecord) *sliceCursor {
	return &sliceCursor{records: records}
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if c.pos >= len(c.records) {
		return false
	}
	c.current = c.records[c.pos]
	c.pos++
	return true
}

func (c *sliceCursor) Record() models.LogRecord { return c.current }
func (c *sliceCursor) Err() error               { return nil }
func (c *sliceCursor) Close() error             { return nil }

// severityFromStatus grades a request by its HTTP status the way Cloud Run
// grades request logs.
func severityFromStatus(status int) models.Severity {
	switch {
	case status >= 500:
		return models.SeverityError
	case status >= 400:
		return models.SeverityWarning
	case status > 0:
		return models.SeverityInfo
	default:
		return models.SeverityDefault
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
