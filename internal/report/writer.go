// Package report renders a probe run as line-oriented text: KEY=value lines
// for identifiers, one block per probe and one table per log query.
package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/narvanalabs/deployprobe/internal/logquery"
	"github.com/narvanalabs/deployprobe/internal/models"
	"github.com/narvanalabs/deployprobe/internal/prober"
)

// maxTextWidth caps free-text log payloads to keep tables on one line each.
const maxTextWidth = 160

// Writer prints each step as the prober completes it. Write errors are
// sticky: after the first one nothing else is written.
type Writer struct {
	w   io.Writer
	err error
}

// NewWriter creates a report writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Err returns the first write error, if any.
func (r *Writer) Err() error {
	return r.err
}

func (r *Writer) printf(format string, args ...any) {
	if r.err != nil {
		return
	}
	_, r.err = fmt.Fprintf(r.w, format, args...)
}

func (r *Writer) kv(key, value string) {
	r.printf("%s=%s\n", key, value)
}

// Service prints the resolved identifiers.
func (r *Writer) Service(runID string, desc *models.ServiceDescriptor) {
	r.kv("RUN_ID", runID)
	r.kv("SERVICE", desc.Name)
	r.kv("REGION", desc.Region)
	r.kv("URL", desc.URL)
	r.kv("READY_REVISION", desc.ReadyRevision)
	r.kv("CREATED_REVISION", desc.CreatedRevision)
	r.kv("CONTROL_PLANE", desc.Backend)
}

// Probe prints one probe block.
func (r *Writer) Probe(result models.ProbeResult) {
	r.printf("== probe %s %s\n", result.Method, result.Endpoint)

	if !result.Reached() {
		r.printf("FAILED (%s): %s\n", formatDuration(result.Duration), result.Err)
		return
	}

	r.printf("%s (%s)\n", result.StatusLine, formatDuration(result.Duration))
	if result.Body != "" {
		r.printf("%s\n", result.Body)
	}
	if result.Truncated {
		r.printf("[body truncated]\n")
	}
	if h := result.Health; h != nil {
		r.printf("health: ok=%t service=%s ts=%s\n", h.OK, orDash(h.Service), orDash(h.TS))
	}
	if result.Err != "" {
		r.printf("error: %s\n", result.Err)
	}
}

// Logs prints one log query as a table.
func (r *Writer) Logs(step prober.LogStep) {
	r.printf("== logs %s %s (limit %d)\n", step.Name, describeQuery(step), step.Query.Limit)

	switch {
	case step.Skipped != "":
		r.printf("skipped: %s\n", step.Skipped)
		return
	case step.Err != nil && len(step.Records) == 0:
		r.printf("FAILED: %v\n", step.Err)
		return
	case len(step.Records) == 0:
		r.printf("(no records)\n")
		return
	}

	if r.err != nil {
		return
	}
	tw := tabwriter.NewWriter(r.w, 0, 0, 2, ' ', 0)
	if step.Name == prober.StepRequests {
		fmt.Fprintln(tw, "TIMESTAMP\tMETHOD\tSTATUS\tURL")
		for _, rec := range step.Records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", formatTime(rec.Timestamp), orDash(rec.Method), formatStatus(rec.Status), orDash(rec.URL))
		}
	} else {
		fmt.Fprintln(tw, "TIMESTAMP\tSEVERITY\tREVISION\tTEXT")
		for _, rec := range step.Records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", formatTime(rec.Timestamp), rec.Severity, orDash(rec.Revision), recordText(rec))
		}
	}
	r.err = tw.Flush()

	if step.Err != nil {
		r.printf("FAILED after %d records: %v\n", len(step.Records), step.Err)
	}
}

// Webhook prints the webhook registration check.
func (r *Writer) Webhook(step prober.WebhookStep) {
	r.printf("== webhook\n")
	r.kv("WEBHOOK_EXPECTED", step.Expected)

	switch {
	case step.Skipped != "":
		r.printf("skipped: %s\n", step.Skipped)
	case step.Err != nil:
		r.printf("FAILED: %v\n", step.Err)
	default:
		r.kv("WEBHOOK_URL", orDash(step.Info.URL))
		r.kv("WEBHOOK_PENDING_UPDATES", fmt.Sprint(step.Info.PendingUpdateCount))
		if step.Info.LastErrorMessage != "" {
			r.kv("WEBHOOK_LAST_ERROR", fmt.Sprintf("%s (%s)", step.Info.LastErrorMessage, formatTime(step.Info.LastErrorDate)))
		}
		if step.Mismatch() {
			r.printf("MISMATCH: webhook points at %s\n", step.Info.URL)
		}
	}
}

// Summary prints one CHECK line per component and the overall STATUS line.
func (r *Writer) Summary(result *prober.Result) {
	r.printf("== summary\n")
	for _, comp := range result.Components {
		if comp.Message != "" {
			r.printf("CHECK %s: %s (%s)\n", comp.Name, comp.Status, comp.Message)
		} else {
			r.printf("CHECK %s: %s\n", comp.Name, comp.Status)
		}
	}
	if result.EventsErr != nil {
		r.printf("EVENTS: %v\n", result.EventsErr)
	}
	r.kv("STATUS", string(result.Status))
}

func describeQuery(step prober.LogStep) string {
	q := step.Query
	var parts []string
	if q.MinSeverity > models.SeverityDefault {
		parts = append(parts, "severity>="+q.MinSeverity.String())
	}
	if q.URLContains != "" {
		parts = append(parts, fmt.Sprintf("url~%q", q.URLContains))
	}
	if len(q.TextContains) > 0 {
		parts = append(parts, "text~"+strings.Join(q.TextContains, "|"))
	}

	sep := " "
	if q.Mode == logquery.MatchAny {
		sep = " or "
	}
	desc := strings.Join(parts, sep)
	if step.Window > 0 {
		desc += " since " + formatWindow(step.Window)
	}
	return strings.TrimSpace(desc)
}

func recordText(rec models.LogRecord) string {
	text := rec.Text
	if text == "" && rec.IsRequest() {
		text = fmt.Sprintf("%s %s %s", rec.Method, formatStatus(rec.Status), rec.URL)
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxTextWidth {
		text = text[:maxTextWidth-3] + "..."
	}
	return orDash(text)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatStatus(status int) string {
	if status == 0 {
		return "-"
	}
	return fmt.Sprint(status)
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

// formatWindow prints whole minutes as "10m" rather than "10m0s".
func formatWindow(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
