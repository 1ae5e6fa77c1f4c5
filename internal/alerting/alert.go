// Package alerting tracks operator alerts as open incidents, watches the
// windowed error rate, and fans high-severity alerts out to notification
// channels.
package alerting

import (
	"context"
	"errors"
	"time"
)

// Severity grades an alert.
type Severity string

// Severities in increasing order of urgency.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// dispatches reports whether alerts of this severity go to notification channels.
func (s Severity) dispatches() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Alert is one incident. Once resolved it stays in the table for audit.
// Occurrences counts repeats folded into the alert while it was open.
type Alert struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Resolved    bool           `json:"resolved"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	Occurrences int            `json:"occurrences"`
	LastSeen    *time.Time     `json:"lastSeen,omitempty"`
}

// dedupKey groups repeats of the same non-dispatched incident.
func (a *Alert) dedupKey() string {
	return string(a.Severity) + "|" + a.Type + "|" + a.Title
}

// Errors returned by alert lookups and resolution.
var (
	ErrAlertNotFound   = errors.New("alert not found")
	ErrAlreadyResolved = errors.New("alert already resolved")
)

// NotificationChannel delivers an alert to one destination.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Service is the alerting surface consumed by the rest of the process.
type Service interface {
	SendCriticalAlert(ctx context.Context, alertType, title, message string, metadata map[string]any) string
	SendHighAlert(ctx context.Context, alertType, title, message string, metadata map[string]any) string
	SendMediumAlert(ctx context.Context, alertType, title, message string, metadata map[string]any) string
	SendLowAlert(ctx context.Context, alertType, title, message string, metadata map[string]any) string
	RecordError()
	CheckErrorRate(ctx context.Context) string
	GetActiveAlerts() []Alert
	GetAllAlerts() []Alert
	GetAlert(id string) (Alert, error)
	ResolveAlert(id string) (Alert, error)
}
