// Package notify fans lifecycle and alert events out to configured
// notification channels. Producers hand events to a bounded queue and
// never block; a single worker drains the queue and performs delivery.
package notify

import (
	"fmt"
	"time"
)

// Event types produced by the background loops
const (
	EventAlertFiring         = "alert.firing"
	EventAlertResolved       = "alert.resolved"
	EventDeploymentCrashed   = "deployment.crashed"
	EventRestartExhausted    = "deployment.restart_exhausted"
	EventDeploymentFailed    = "deployment.failed"
	EventDeploymentSucceeded = "deployment.succeeded"
	EventBackupFailed        = "backup.failed"
)

// Event is the payload handed to the dispatcher. Alert events populate
// the metric fields; deployment and backup events carry a Message.
type Event struct {
	Type         string    `json:"event_type"`
	AppID        string    `json:"app_id"`
	AppName      string    `json:"app_name"`
	MetricType   string    `json:"metric_type,omitempty"`
	CurrentValue float64   `json:"current_value,omitempty"`
	Threshold    float64   `json:"threshold,omitempty"`
	Status       string    `json:"status"` // "firing" or "resolved"
	Severity     string    `json:"severity"`
	Timestamp    time.Time `json:"timestamp"`
	DashboardURL string    `json:"dashboard_url,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// Severity levels ordered by urgency
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// DeriveSeverity classifies an alert by how far the value overshoots
// the threshold: more than 20 points over is critical, more than 10 is
// warning, anything else is info.
func DeriveSeverity(currentValue, threshold float64) string {
	overage := currentValue - threshold
	switch {
	case overage > 20:
		return SeverityCritical
	case overage > 10:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Title renders the one-line summary used by chat channels and email
// subjects.
func (e Event) Title() string {
	switch e.Type {
	case EventAlertFiring:
		return fmt.Sprintf("[%s] %s %s alert: %.1f%% (threshold %.1f%%)",
			e.Severity, e.AppName, e.MetricType, e.CurrentValue, e.Threshold)
	case EventAlertResolved:
		return fmt.Sprintf("[resolved] %s %s alert recovered: %.1f%% (threshold %.1f%%)",
			e.AppName, e.MetricType, e.CurrentValue, e.Threshold)
	case EventDeploymentCrashed:
		return fmt.Sprintf("%s container crashed", e.AppName)
	case EventRestartExhausted:
		return fmt.Sprintf("%s exceeded maximum restart attempts", e.AppName)
	case EventDeploymentFailed:
		return fmt.Sprintf("%s deployment failed", e.AppName)
	case EventDeploymentSucceeded:
		return fmt.Sprintf("%s deployed successfully", e.AppName)
	case EventBackupFailed:
		return fmt.Sprintf("%s database backup failed", e.AppName)
	default:
		return fmt.Sprintf("%s: %s", e.AppName, e.Type)
	}
}

// fields exposes the event as template placeholders for custom payloads
func (e Event) fields() map[string]string {
	return map[string]string{
		"event_type":    e.Type,
		"app_id":        e.AppID,
		"app_name":      e.AppName,
		"metric_type":   e.MetricType,
		"current_value": fmt.Sprintf("%g", e.CurrentValue),
		"threshold":     fmt.Sprintf("%g", e.Threshold),
		"status":        e.Status,
		"severity":      e.Severity,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339),
		"dashboard_url": e.DashboardURL,
		"message":       e.Message,
		"title":         e.Title(),
	}
}
