package models

import "time"

// StatusUnreachable is the sentinel status code of a probe that never got an
// HTTP response (DNS, connect, TLS or timeout failure).
const StatusUnreachable = 0

// MethodGRPC is the Method of results from grpc.health.v1 checks.
const MethodGRPC = "grpc"

// ProbeResult is the outcome of a single probe. A failed probe is a value,
// not an error: callers print it and move on.
type ProbeResult struct {
	Endpoint   string         `json:"endpoint"`
	Method     string         `json:"method"`
	StatusCode int            `json:"status_code"`
	StatusLine string         `json:"status_line,omitempty"`
	Body       string         `json:"body,omitempty"`
	Truncated  bool           `json:"truncated,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Err        string         `json:"error,omitempty"`
	Health     *HealthPayload `json:"health,omitempty"`
}

// Reached reports whether the probe got any response at all.
func (r *ProbeResult) Reached() bool {
	return r.StatusCode != StatusUnreachable
}

// HealthPayload is the JSON body served by the bot's /healthz and /health routes.
type HealthPayload struct {
	OK      bool   `json:"ok"`
	Service string `json:"service,omitempty"`
	TS      string `json:"ts,omitempty"`
}
