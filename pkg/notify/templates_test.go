package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alertEvent() Event {
	return Event{
		Type:         EventAlertFiring,
		AppID:        "app-1",
		AppName:      "web",
		MetricType:   "cpu",
		CurrentValue: 92.5,
		Threshold:    80,
		Status:       "firing",
		Severity:     SeverityWarning,
		Timestamp:    time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
}

func TestSlackMessage(t *testing.T) {
	msg := slackMessage(alertEvent())
	require.Len(t, msg.Attachments, 1)

	att := msg.Attachments[0]
	assert.Equal(t, "#f59e0b", att.Color)
	assert.Contains(t, att.Title, "web cpu alert")
	require.Len(t, att.Fields, 4)
	assert.Equal(t, "92.5%", att.Fields[2].Value)
	assert.Equal(t, "80.0%", att.Fields[3].Value)
}

func TestDiscordPayload(t *testing.T) {
	body, err := discordPayload(alertEvent())
	require.NoError(t, err)

	var parsed struct {
		Embeds []struct {
			Title  string `json:"title"`
			Color  int    `json:"color"`
			Fields []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"fields"`
		} `json:"embeds"`
	}
	require.NoError(t, json.Unmarshal(body, &parsed))
	require.Len(t, parsed.Embeds, 1)
	assert.Equal(t, 0xf59e0b, parsed.Embeds[0].Color)
	assert.Len(t, parsed.Embeds[0].Fields, 4)
}

func TestRenderCustomJSONObject(t *testing.T) {
	template := `{"text": "{{app_name}} {{metric_type}} at {{current_value}}%"}`
	body, err := renderCustom(template, alertEvent())
	require.NoError(t, err)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, "web cpu at 92.5%", parsed["text"])
}

func TestRenderCustomPlainTextIsWrapped(t *testing.T) {
	body, err := renderCustom("{{app_name}} is over threshold", alertEvent())
	require.NoError(t, err)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, "web is over threshold", parsed["message"])
}

func TestRenderWebhook(t *testing.T) {
	ev := alertEvent()

	// Default template is the generic JSON event
	body, err := renderWebhook(webhookConfig{}, ev)
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(body, &generic))
	assert.Equal(t, "alert.firing", generic["event_type"])

	// Slack-shaped payload
	body, err = renderWebhook(webhookConfig{PayloadTemplate: "slack"}, ev)
	require.NoError(t, err)
	var slackShaped map[string]any
	require.NoError(t, json.Unmarshal(body, &slackShaped))
	assert.Contains(t, slackShaped, "attachments")

	// Custom template without a body is rejected
	_, err = renderWebhook(webhookConfig{PayloadTemplate: "custom"}, ev)
	assert.Error(t, err)
}

func TestTitleByEventType(t *testing.T) {
	tests := []struct {
		eventType string
		contains  string
	}{
		{EventAlertFiring, "cpu alert"},
		{EventAlertResolved, "recovered"},
		{EventDeploymentCrashed, "container crashed"},
		{EventRestartExhausted, "exceeded maximum restart attempts"},
		{EventDeploymentFailed, "deployment failed"},
		{EventDeploymentSucceeded, "deployed successfully"},
		{EventBackupFailed, "backup failed"},
	}
	for _, tt := range tests {
		ev := alertEvent()
		ev.Type = tt.eventType
		assert.Contains(t, ev.Title(), tt.contains, tt.eventType)
	}
}
