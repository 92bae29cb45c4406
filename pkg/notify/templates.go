package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

// webhookConfig is the parsed config blob for webhook-family channels
type webhookConfig struct {
	URL             string            `json:"url"`
	PayloadTemplate string            `json:"payload_template"` // "generic", "slack", "discord" or "custom"
	CustomTemplate  string            `json:"custom_template"`
	Headers         map[string]string `json:"headers"`
}

// emailConfig is the parsed config blob for email channels
type emailConfig struct {
	SMTPHost string   `json:"smtp_host"`
	SMTPPort int      `json:"smtp_port"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	From     string   `json:"from"`
	To       []string `json:"to"`
}

// severityColor maps severity to the attachment/embed colour used by
// chat integrations.
func severityColor(severity string) string {
	switch severity {
	case SeverityCritical:
		return "#dc2626"
	case SeverityWarning:
		return "#f59e0b"
	default:
		return "#16a34a"
	}
}

// discordColor is the same palette as a decimal RGB integer
func discordColor(severity string) int {
	switch severity {
	case SeverityCritical:
		return 0xdc2626
	case SeverityWarning:
		return 0xf59e0b
	default:
		return 0x16a34a
	}
}

// slackMessage renders the event as a Slack webhook message with a
// colour-coded attachment.
func slackMessage(ev Event) *slack.WebhookMessage {
	attachment := slack.Attachment{
		Color: severityColor(ev.Severity),
		Title: ev.Title(),
		Ts:    json.Number(fmt.Sprintf("%d", ev.Timestamp.Unix())),
	}
	if ev.MetricType != "" {
		attachment.Fields = []slack.AttachmentField{
			{Title: "App", Value: ev.AppName, Short: true},
			{Title: "Metric", Value: ev.MetricType, Short: true},
			{Title: "Current", Value: fmt.Sprintf("%.1f%%", ev.CurrentValue), Short: true},
			{Title: "Threshold", Value: fmt.Sprintf("%.1f%%", ev.Threshold), Short: true},
		}
	} else if ev.Message != "" {
		attachment.Text = ev.Message
	}
	if ev.DashboardURL != "" {
		attachment.TitleLink = ev.DashboardURL
	}
	return &slack.WebhookMessage{Attachments: []slack.Attachment{attachment}}
}

// discordPayload renders the event as a Discord webhook embed
func discordPayload(ev Event) ([]byte, error) {
	embed := map[string]any{
		"title":     ev.Title(),
		"color":     discordColor(ev.Severity),
		"timestamp": ev.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if ev.Message != "" {
		embed["description"] = ev.Message
	}
	if ev.DashboardURL != "" {
		embed["url"] = ev.DashboardURL
	}
	if ev.MetricType != "" {
		embed["fields"] = []map[string]any{
			{"name": "App", "value": ev.AppName, "inline": true},
			{"name": "Metric", "value": ev.MetricType, "inline": true},
			{"name": "Current", "value": fmt.Sprintf("%.1f%%", ev.CurrentValue), "inline": true},
			{"name": "Threshold", "value": fmt.Sprintf("%.1f%%", ev.Threshold), "inline": true},
		}
	}
	return json.Marshal(map[string]any{"embeds": []any{embed}})
}

// genericPayload renders the event as the documented JSON form
func genericPayload(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// renderCustom substitutes {{placeholder}} tokens over the event fields.
// If the result parses as a JSON object it is sent as-is; otherwise it
// is wrapped as {"message": ...}.
func renderCustom(template string, ev Event) ([]byte, error) {
	rendered := template
	for key, value := range ev.fields() {
		rendered = strings.ReplaceAll(rendered, "{{"+key+"}}", value)
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(rendered), &obj); err == nil {
		return []byte(rendered), nil
	}
	return json.Marshal(map[string]string{"message": rendered})
}

// renderWebhook picks the payload body for a webhook channel based on
// its payload_template.
func renderWebhook(cfg webhookConfig, ev Event) ([]byte, error) {
	switch cfg.PayloadTemplate {
	case "slack":
		return json.Marshal(slackMessage(ev))
	case "discord":
		return discordPayload(ev)
	case "custom":
		if cfg.CustomTemplate == "" {
			return nil, fmt.Errorf("custom payload template is empty")
		}
		return renderCustom(cfg.CustomTemplate, ev)
	default:
		return genericPayload(ev)
	}
}

// emailBody renders the plain-text body for email delivery
func emailBody(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", ev.Title())
	if ev.MetricType != "" {
		fmt.Fprintf(&b, "App:       %s\n", ev.AppName)
		fmt.Fprintf(&b, "Metric:    %s\n", ev.MetricType)
		fmt.Fprintf(&b, "Current:   %.1f%%\n", ev.CurrentValue)
		fmt.Fprintf(&b, "Threshold: %.1f%%\n", ev.Threshold)
		fmt.Fprintf(&b, "Status:    %s\n", ev.Status)
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, "%s\n", ev.Message)
	}
	fmt.Fprintf(&b, "Time: %s\n", ev.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"))
	if ev.DashboardURL != "" {
		fmt.Fprintf(&b, "Dashboard: %s\n", ev.DashboardURL)
	}
	return b.String()
}
