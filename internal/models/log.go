package models

import (
	"strings"
	"time"
)

// LogRecord represents a single log entry returned by a log query.
type LogRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	Method    string    `json:"method,omitempty"`
	Status    int       `json:"status,omitempty"`
	URL       string    `json:"url,omitempty"`
	Text      string    `json:"text,omitempty"`
	Revision  string    `json:"revision,omitempty"`
}

// IsRequest reports whether the record carries HTTP request fields.
func (r *LogRecord) IsRequest() bool {
	return r.Method != "" || r.URL != "" || r.Status != 0
}

// Severity is a log severity on the Cloud Logging ladder.
type Severity int

const (
	SeverityDefault   Severity = 0
	SeverityDebug     Severity = 100
	SeverityInfo      Severity = 200
	SeverityNotice    Severity = 300
	SeverityWarning   Severity = 400
	SeverityError     Severity = 500
	SeverityCritical  Severity = 600
	SeverityAlert     Severity = 700
	SeverityEmergency Severity = 800
)

var severityNames = map[Severity]string{
	SeverityDefault:   "DEFAULT",
	SeverityDebug:     "DEBUG",
	SeverityInfo:      "INFO",
	SeverityNotice:    "NOTICE",
	SeverityWarning:   "WARNING",
	SeverityError:     "ERROR",
	SeverityCritical:  "CRITICAL",
	SeverityAlert:     "ALERT",
	SeverityEmergency: "EMERGENCY",
}

// levelNames are the upper-case level spellings ParseSeverity accepts, in
// ascending severity.
var levelNames = []string{
	"DEBUG", "TRACE", "INFO", "NOTICE", "WARNING", "WARN",
	"ERROR", "ERR", "CRITICAL", "FATAL", "ALERT", "PANIC", "EMERGENCY",
}

// AtLeast returns every level spelling, aliases included, whose severity is
// >= s. Stores that keep free-form level strings filter on this list.
func (s Severity) AtLeast() []string {
	var names []string
	for _, name := range levelNames {
		if ParseSeverity(name) >= s {
			names = append(names, name)
		}
	}
	return names
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "DEFAULT"
}

// ParseSeverity maps a level name to a Severity. Common aliases such as
// "warn", "fatal" and "panic" are accepted; unknown names yield DEFAULT.
func ParseSeverity(name string) Severity {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG", "TRACE":
		return SeverityDebug
	case "INFO":
		return SeverityInfo
	case "NOTICE":
		return SeverityNotice
	case "WARNING", "WARN":
		return SeverityWarning
	case "ERROR", "ERR":
		return SeverityError
	case "CRITICAL", "FATAL":
		return SeverityCritical
	case "ALERT", "PANIC":
		return SeverityAlert
	case "EMERGENCY":
		return SeverityEmergency
	default:
		return SeverityDefault
	}
}
