package models

// Status represents the aggregated health of a probe run.
type Status string

const (
	// StatusHealthy means every step succeeded.
	StatusHealthy Status = "healthy"
	// StatusDegraded means the service answered but some step reported a problem.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy means the service did not answer a probe.
	StatusUnhealthy Status = "unhealthy"
)

// Worse returns the more severe of two statuses.
func Worse(a, b Status) Status {
	if a == StatusUnhealthy || b == StatusUnhealthy {
		return StatusUnhealthy
	}
	if a == StatusDegraded || b == StatusDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}
