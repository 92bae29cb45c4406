package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivetr/rivetr/pkg/log"
	"github.com/rivetr/rivetr/pkg/store"
	"github.com/rivetr/rivetr/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	m.Run()
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// shrinkRetryDelays makes the retry loop fast for tests and restores the
// real delays afterwards.
func shrinkRetryDelays(t *testing.T) {
	t.Helper()
	saved := webhookRetryDelays
	webhookRetryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { webhookRetryDelays = saved })
}

func TestEnqueueFullQueue(t *testing.T) {
	d := NewDispatcher(newTestStore(t), 1)
	// Worker not started, so the first event fills the queue
	require.NoError(t, d.Enqueue(Event{Type: EventAlertFiring}))
	assert.ErrorIs(t, d.Enqueue(Event{Type: EventAlertFiring}), ErrQueueFull)
}

func TestEnqueueAfterStop(t *testing.T) {
	d := NewDispatcher(newTestStore(t), 4)
	d.Start()
	d.Stop()
	assert.Error(t, d.Enqueue(Event{Type: EventAlertFiring}))
}

func TestWebhookRetriesUntilSuccess(t *testing.T) {
	shrinkRetryDelays(t)

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(newTestStore(t), 4)
	ch := types.NotificationChannel{
		Name:        "hook",
		ChannelType: types.ChannelWebhook,
		ConfigJSON:  `{"url":"` + srv.URL + `"}`,
	}
	err := d.sendWebhook(t.Context(), ch, Event{Type: EventAlertFiring, AppName: "web"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestWebhookGivesUpAfterMaxAttempts(t *testing.T) {
	shrinkRetryDelays(t)

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(newTestStore(t), 4)
	ch := types.NotificationChannel{
		Name:        "hook",
		ChannelType: types.ChannelWebhook,
		ConfigJSON:  `{"url":"` + srv.URL + `"}`,
	}
	err := d.sendWebhook(t.Context(), ch, Event{Type: EventAlertFiring})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDeliverFansOutToSubscribedChannels(t *testing.T) {
	shrinkRetryDelays(t)
	st := newTestStore(t)

	var received atomic.Int32
	var lastBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		lastBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	require.NoError(t, st.CreateNotificationChannel(&types.NotificationChannel{
		Name:        "ops",
		ChannelType: types.ChannelWebhook,
		ConfigJSON:  `{"url":"` + srv.URL + `"}`,
		Enabled:     true,
	}))

	d := NewDispatcher(st, 4)
	ev := Event{
		Type:         EventAlertFiring,
		AppID:        "app-1",
		AppName:      "web",
		MetricType:   "cpu",
		CurrentValue: 95,
		Threshold:    80,
		Status:       "firing",
		Severity:     SeverityWarning,
		Timestamp:    time.Now().UTC(),
	}
	require.NoError(t, d.deliver(t.Context(), ev))
	assert.Equal(t, int32(1), received.Load())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(lastBody, &payload))
	assert.Equal(t, "alert.firing", payload["event_type"])
	assert.Equal(t, "web", payload["app_name"])
	assert.Equal(t, float64(95), payload["current_value"])
}

func TestDeliverAggregatesChannelFailures(t *testing.T) {
	shrinkRetryDelays(t)
	st := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	require.NoError(t, st.CreateNotificationChannel(&types.NotificationChannel{
		Name:        "broken",
		ChannelType: types.ChannelWebhook,
		ConfigJSON:  `{"url":"` + srv.URL + `"}`,
		Enabled:     true,
	}))

	d := NewDispatcher(st, 4)
	err := d.deliver(t.Context(), Event{Type: EventDeploymentFailed, AppID: "app-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestSendEmailBuildsMessage(t *testing.T) {
	d := NewDispatcher(newTestStore(t), 4)

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	d.sendMailFn = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	ch := types.NotificationChannel{
		Name:        "mail",
		ChannelType: types.ChannelEmail,
		ConfigJSON:  `{"smtp_host":"mail.example.com","from":"rivetr@example.com","to":["ops@example.com"]}`,
	}
	ev := Event{
		Type:      EventBackupFailed,
		AppName:   "orders-db",
		Message:   "pg_dump exited with status 1",
		Severity:  SeverityCritical,
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, d.sendEmail(ch, ev))

	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, "rivetr@example.com", gotFrom)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: orders-db database backup failed")
	assert.Contains(t, string(gotMsg), "pg_dump exited with status 1")
}

func TestSendEmailRejectsIncompleteConfig(t *testing.T) {
	d := NewDispatcher(newTestStore(t), 4)
	ch := types.NotificationChannel{
		ChannelType: types.ChannelEmail,
		ConfigJSON:  `{"smtp_host":"mail.example.com"}`,
	}
	assert.Error(t, d.sendEmail(ch, Event{}))
}

func TestDeriveSeverity(t *testing.T) {
	tests := []struct {
		current   float64
		threshold float64
		want      string
	}{
		{101, 80, SeverityCritical},
		{100.1, 80, SeverityCritical},
		{100, 80, SeverityWarning},
		{91, 80, SeverityWarning},
		{90, 80, SeverityInfo},
		{85, 80, SeverityInfo},
		{70, 80, SeverityInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveSeverity(tt.current, tt.threshold),
			"current=%v threshold=%v", tt.current, tt.threshold)
	}
}
