package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/c360/entitystream/types"
)

// State values carried in Status.Status
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Patterns stripped from error text before it is exposed on /health
var (
	urlPattern        = regexp.MustCompile(`(?i)\b(?:https?|wss?|nats|redis|tcp|ssl|mqtts?)://[^\s]+`)
	pathPattern       = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipPattern         = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portPattern       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialPattern = regexp.MustCompile(`(?i)(password|token|bearer|secret|credential)[^a-zA-Z]*[:= ][^,\s}]+`)
)

// Status is the health of one component, optionally with sub-statuses
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics are optional counters attached to a status
type Metrics struct {
	Uptime            time.Duration `json:"uptime,omitempty"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy reports a healthy status
func (s Status) IsHealthy() bool { return s.Status == StateHealthy }

// IsDegraded reports a degraded status
func (s Status) IsDegraded() bool { return s.Status == StateDegraded }

// IsUnhealthy reports an unhealthy status
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// WithMetrics returns a copy carrying metrics
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus returns a copy with sub appended
func (s Status) WithSubStatus(sub Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, sub)
	return s
}

// WithError returns a copy whose message is the sanitized error text
func (s Status) WithError(err error) Status {
	if err != nil {
		s.Message = sanitizeErrorMessage(err.Error())
	}
	return s
}

// FromConnectionState maps a bus connection state to a status. CONNECTED is healthy,
// CONNECTING and RECONNECTING are degraded, DISCONNECTED is unhealthy.
func FromConnectionState(component string, state types.ConnectionState) Status {
	message := "Bus " + strings.ToLower(state.String())
	switch state {
	case types.StateConnected:
		return NewHealthy(component, message)
	case types.StateConnecting, types.StateReconnecting:
		return NewDegraded(component, message)
	default:
		return NewUnhealthy(component, message)
	}
}

// sanitizeErrorMessage removes broker URLs, addresses and credentials
func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlPattern.ReplaceAllString(msg, "[URL]")
	msg = credentialPattern.ReplaceAllString(msg, "[REDACTED]")
	msg = pathPattern.ReplaceAllString(msg, "[PATH]")
	msg = ipPattern.ReplaceAllString(msg, "[IP]")
	return portPattern.ReplaceAllString(msg, "[PORT]")
}
