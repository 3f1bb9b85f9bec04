package prober

import (
	"fmt"
	"time"

	"github.com/narvanalabs/deployprobe/internal/models"
)

// Aggregate folds component statuses into the run verdict: any unhealthy
// component makes the run unhealthy, otherwise any degraded one degrades it.
func Aggregate(components []Component) models.Status {
	overall := models.StatusHealthy
	for _, comp := range components {
		overall = models.Worse(overall, comp.Status)
		if overall == models.StatusUnhealthy {
			break
		}
	}
	return overall
}

// ProbeComponent grades a single probe. HTTP client errors such as a 405 on
// a POST-only webhook route still prove the service is answering. A gRPC
// health check answering NotFound means the named service is not registered.
func ProbeComponent(result models.ProbeResult) Component {
	comp := Component{Name: "probe " + result.Method + " " + result.Endpoint, Status: models.StatusHealthy}
	switch {
	case !result.Reached():
		comp.Status = models.StatusUnhealthy
		comp.Message = "unreachable: " + result.Err
	case result.StatusCode >= 500:
		comp.Status = models.StatusDegraded
		comp.Message = result.StatusLine
	case result.Method == models.MethodGRPC && result.StatusCode >= 400:
		comp.Status = models.StatusDegraded
		comp.Message = result.StatusLine
	case result.Health != nil && !result.Health.OK:
		comp.Status = models.StatusDegraded
		comp.Message = "health payload reports ok=false"
	default:
		comp.Message = result.StatusLine
	}
	return comp
}

func (p *Prober) evaluate(result *Result, now time.Time) []Component {
	var components []Component

	if desc := result.Service; desc.RolloutPending() {
		components = append(components, Component{
			Name:    "rollout",
			Status:  models.StatusDegraded,
			Message: fmt.Sprintf("created revision %s is not ready, serving %s", desc.CreatedRevision, desc.ReadyRevision),
		})
	}

	for _, probe := range result.Probes {
		components = append(components, ProbeComponent(probe))
	}

	for _, step := range result.Logs {
		if step.Skipped != "" {
			continue
		}
		comp := Component{Name: "logs " + step.Name, Status: models.StatusHealthy}
		if step.Err != nil {
			comp.Status = models.StatusDegraded
			comp.Message = step.Err.Error()
		} else {
			comp.Message = fmt.Sprintf("%d records", len(step.Records))
		}
		components = append(components, comp)
	}

	if comp, ok := webhookComponent(result.Webhook, now, p.cfg.Logs.RequestWindow); ok {
		components = append(components, comp)
	}

	return components
}

// webhookComponent grades the webhook check. A delivery error reported by the
// Bot API counts only when it happened within window of now.
func webhookComponent(step WebhookStep, now time.Time, window time.Duration) (Component, bool) {
	if step.Skipped != "" {
		return Component{}, false
	}

	comp := Component{Name: "webhook", Status: models.StatusDegraded}
	switch {
	case step.Err != nil:
		comp.Message = step.Err.Error()
	case !step.Info.Registered():
		comp.Message = "no webhook registered"
	case step.Mismatch():
		comp.Message = fmt.Sprintf("registered %s, expected %s", step.Info.URL, step.Expected)
	case step.Info.LastErrorMessage != "" && !step.Info.LastErrorDate.IsZero() && now.Sub(step.Info.LastErrorDate) <= window:
		comp.Message = "recent delivery error: " + step.Info.LastErrorMessage
	default:
		comp.Status = models.StatusHealthy
		comp.Message = fmt.Sprintf("%d pending updates", step.Info.PendingUpdateCount)
	}
	return comp, true
}
