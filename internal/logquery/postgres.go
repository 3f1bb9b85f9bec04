package logquery

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/narvanalabs/deployprobe/internal/models"
)

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// DefaultPostgresConfig returns a Config suited to a single-shot run.
func DefaultPostgresConfig(dsn string) *PostgresConfig {
	return &PostgresConfig{
		DSN:             dsn,
		MaxOpenConns:    2,
		ConnMaxLifetime: time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// PostgresSource reads the control plane's logs table. Revisions are
// deployment IDs and service names come from the deployments table.
type PostgresSource struct {
	db     *sql.DB
	logger *slog.Logger
}

// postgresLabelColumns maps canonical labels onto columns.
var postgresLabelColumns = map[string]string{
	LabelService:  "d.service_name",
	LabelRevision: "l.deployment_id",
	LabelApp:      "d.app_id",
	"source":      "l.source",
}

// OpenPostgres connects to the log database and verifies the connection.
func OpenPostgres(ctx context.Context, cfg *PostgresConfig, logger *slog.Logger) (*PostgresSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Debug("connected to PostgreSQL log store")
	return NewPostgresSource(db, logger), nil
}

// NewPostgresSource wraps an existing database handle.
func NewPostgresSource(db *sql.DB, logger *slog.Logger) *PostgresSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSource{db: db, logger: logger}
}

// Name implements Source.
func (s *PostgresSource) Name() string { return "postgres" }

// Close implements Source.
func (s *PostgresSource) Close() error { return s.db.Close() }

// Query implements Source. Rows are streamed as the cursor advances.
func (s *PostgresSource) Query(ctx context.Context, q Query) (Cursor, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	query, args, err := BuildPostgresQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}

	return Limit(&rowsCursor{rows: rows}, q.Limit), nil
}

// BuildPostgresQuery serializes q into SQL against the logs and deployments
// tables. The resource type has no column and is ignored.
func BuildPostgresQuery(q Query) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, k := range sortedKeys(q.Labels) {
		column, ok := postgresLabelColumns[k]
		if !ok {
			return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedLabel, k)
		}
		where = append(where, column+" = "+arg(q.Labels[k]))
	}

	if !q.Since.IsZero() {
		where = append(where, "l.timestamp >= "+arg(q.Since.UTC()))
	}
	if !q.Until.IsZero() {
		where = append(where, "l.timestamp <= "+arg(q.Until.UTC()))
	}

	var predicates []string
	if q.MinSeverity > models.SeverityDefault {
		predicates = append(predicates, "UPPER(l.level) = ANY("+arg(pq.Array(q.MinSeverity.AtLeast()))+")")
	}
	if q.URLContains != "" {
		predicates = append(predicates, "l.message ILIKE "+arg("%"+escapeLike(q.URLContains)+"%"))
	}
	if len(q.TextContains) > 0 {
		patterns := make([]string, len(q.TextContains))
		for i, text := range q.TextContains {
			patterns[i] = "%" + escapeLike(text) + "%"
		}
		predicates = append(predicates, "l.message ILIKE ANY("+arg(pq.Array(patterns))+")")
	}

	switch {
	case len(predicates) == 1:
		where = append(where, predicates[0])
	case len(predicates) > 1 && q.Mode == MatchAny:
		where = append(where, "("+strings.Join(predicates, " OR ")+")")
	case len(predicates) > 1:
		where = append(where, predicates...)
	}

	var b strings.Builder
	b.WriteString(`SELECT l.timestamp, l.level, l.message, l.deployment_id
		FROM logs l
		JOIN deployments d ON d.id = l.deployment_id`)
	if len(where) > 0 {
		b.WriteString("\n\t\tWHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString("\n\t\tORDER BY l.timestamp DESC\n\t\tLIMIT ")
	b.WriteString(arg(q.Limit))

	return b.String(), args, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// rowsCursor streams scanned rows.
type rowsCursor struct {
	rows    *sql.Rows
	current models.LogRecord
	err     error
}

func (c *rowsCursor) Next(ctx context.Context) bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}

	var (
		rec   models.LogRecord
		level string
	)
	if err := c.rows.Scan(&rec.Timestamp, &level, &rec.Text, &rec.Revision); err != nil {
		c.err = fmt.Errorf("scanning log row: %w", err)
		return false
	}
	rec.Severity = models.ParseSeverity(level)
	c.current = rec
	return true
}

func (c *rowsCursor) Record() models.LogRecord { return c.current }

func (c *rowsCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	if err := c.rows.Err(); err != nil {
		return fmt.Errorf("iterating log rows: %w", err)
	}
	return nil
}

func (c *rowsCursor) Close() error { return c.rows.Close() }
