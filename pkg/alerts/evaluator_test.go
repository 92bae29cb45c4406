package alerts

import (
	"io"
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

func setGlobalCPUDefault(t *testing.T, st *store.Store, threshold float64, enabled bool) {
	t.Helper()
	require.NoError(t, st.SetGlobalAlertDefault(&types.GlobalAlertDefault{
		MetricType:       types.MetricCPU,
		ThresholdPercent: threshold,
		Enabled:          enabled,
	}))
}

func cpuSample(appID string, percent float64) *types.ResourceMetric {
	return &types.ResourceMetric{
		AppID:      appID,
		Timestamp:  time.Now().UTC(),
		CPUPercent: percent,
	}
}

// feedCPU runs one evaluation pass for a single cpu sample
func feedCPU(t *testing.T, e *Evaluator, appID string, percent float64) {
	t.Helper()
	require.NoError(t, e.evaluate(t.Context(), cpuSample(appID, percent), types.MetricCPU))
}

func TestHysteresisRequiresConsecutiveBreaches(t *testing.T) {
	st := newTestStore(t)
	setGlobalCPUDefault(t, st, 80, true)
	e := NewEvaluator(st, nil, time.Minute, "")

	// One breach, then recovery: the counter resets and nothing fires
	feedCPU(t, e, "app-1", 85)
	_, err := st.GetFiringAlertEvent("app-1", types.MetricCPU)
	assert.ErrorIs(t, err, store.ErrNotFound)

	feedCPU(t, e, "app-1", 70)
	count, err := st.GetBreachCount("app-1", types.MetricCPU)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Two consecutive breaches promote to firing
	feedCPU(t, e, "app-1", 85)
	feedCPU(t, e, "app-1", 86)

	firing, err := st.GetFiringAlertEvent("app-1", types.MetricCPU)
	require.NoError(t, err)
	assert.Equal(t, float64(86), firing.CurrentValue)
	assert.Equal(t, float64(80), firing.ThresholdPercent)
	assert.Equal(t, 2, firing.ConsecutiveBreaches)
	require.NotNil(t, firing.LastNotifiedAt)

	// Recovery resolves the event
	feedCPU(t, e, "app-1", 70)
	_, err = st.GetFiringAlertEvent("app-1", types.MetricCPU)
	assert.ErrorIs(t, err, store.ErrNotFound)

	events, err := st.ListAlertEventsByApp("app-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.AlertResolved, events[0].Status)
	require.NotNil(t, events[0].ResolvedAt)
}

func TestFiringAlertUpdatesWithoutRenotify(t *testing.T) {
	st := newTestStore(t)
	setGlobalCPUDefault(t, st, 80, true)
	e := NewEvaluator(st, nil, time.Minute, "")

	feedCPU(t, e, "app-1", 85)
	feedCPU(t, e, "app-1", 85)

	firing, err := st.GetFiringAlertEvent("app-1", types.MetricCPU)
	require.NoError(t, err)
	firstNotified := *firing.LastNotifiedAt

	// A third breach inside the window updates the value but not the
	// notification timestamp
	feedCPU(t, e, "app-1", 95)

	firing, err = st.GetFiringAlertEvent("app-1", types.MetricCPU)
	require.NoError(t, err)
	assert.Equal(t, float64(95), firing.CurrentValue)
	assert.Equal(t, 3, firing.ConsecutiveBreaches)
	assert.True(t, firing.LastNotifiedAt.Equal(firstNotified))
}

func TestStaleNotificationTimestampTriggersRenotify(t *testing.T) {
	st := newTestStore(t)
	setGlobalCPUDefault(t, st, 80, true)
	e := NewEvaluator(st, nil, time.Minute, "")

	feedCPU(t, e, "app-1", 85)
	feedCPU(t, e, "app-1", 85)

	firing, err := st.GetFiringAlertEvent("app-1", types.MetricCPU)
	require.NoError(t, err)

	stale := time.Now().UTC().Add(-20 * time.Minute)
	firing.LastNotifiedAt = &stale
	require.NoError(t, st.UpdateAlertEvent(firing))

	feedCPU(t, e, "app-1", 85)

	firing, err = st.GetFiringAlertEvent("app-1", types.MetricCPU)
	require.NoError(t, err)
	assert.True(t, firing.LastNotifiedAt.After(stale.Add(15*time.Minute)))
}

func TestNoConfigMeansDisabled(t *testing.T) {
	st := newTestStore(t)
	e := NewEvaluator(st, nil, time.Minute, "")

	feedCPU(t, e, "app-1", 99)
	feedCPU(t, e, "app-1", 99)

	_, err := st.GetFiringAlertEvent("app-1", types.MetricCPU)
	assert.ErrorIs(t, err, store.ErrNotFound)
	count, err := st.GetBreachCount("app-1", types.MetricCPU)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPerAppConfigOverridesGlobalDefault(t *testing.T) {
	st := newTestStore(t)
	setGlobalCPUDefault(t, st, 80, true)
	appID := "app-1"
	require.NoError(t, st.CreateAlertConfig(&types.AlertConfig{
		AppID:            &appID,
		MetricType:       types.MetricCPU,
		ThresholdPercent: 95,
		Enabled:          true,
	}))
	e := NewEvaluator(st, nil, time.Minute, "")

	// 90 breaches the global default but not the per-app threshold
	feedCPU(t, e, "app-1", 90)
	feedCPU(t, e, "app-1", 90)
	_, err := st.GetFiringAlertEvent("app-1", types.MetricCPU)
	assert.ErrorIs(t, err, store.ErrNotFound)

	feedCPU(t, e, "app-1", 96)
	feedCPU(t, e, "app-1", 96)
	firing, err := st.GetFiringAlertEvent("app-1", types.MetricCPU)
	require.NoError(t, err)
	assert.Equal(t, float64(95), firing.ThresholdPercent)
}

func TestDisabledConfigResolvesActiveAlert(t *testing.T) {
	st := newTestStore(t)
	setGlobalCPUDefault(t, st, 80, true)
	e := NewEvaluator(st, nil, time.Minute, "")

	feedCPU(t, e, "app-1", 85)
	feedCPU(t, e, "app-1", 85)
	_, err := st.GetFiringAlertEvent("app-1", types.MetricCPU)
	require.NoError(t, err)

	setGlobalCPUDefault(t, st, 80, false)
	feedCPU(t, e, "app-1", 85)

	_, err = st.GetFiringAlertEvent("app-1", types.MetricCPU)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPercentage(t *testing.T) {
	metric := &types.ResourceMetric{
		CPUPercent:       42.5,
		MemoryBytes:      1 << 30,
		MemoryLimitBytes: 4 << 30,
		DiskBytes:        100,
		DiskLimitBytes:   0,
	}

	assert.Equal(t, 42.5, percentage(metric, types.MetricCPU))
	assert.Equal(t, 25.0, percentage(metric, types.MetricMemory))
	// Zero limit never divides
	assert.Equal(t, 0.0, percentage(metric, types.MetricDisk))
}

func TestEvaluateAllUsesFreshMetricsOnly(t *testing.T) {
	st := newTestStore(t)
	setGlobalCPUDefault(t, st, 80, true)
	e := NewEvaluator(st, nil, time.Minute, "")

	now := time.Now().UTC()
	require.NoError(t, st.InsertResourceMetrics([]types.ResourceMetric{
		{AppID: "fresh", Timestamp: now, CPUPercent: 90},
		{AppID: "stale", Timestamp: now.Add(-time.Hour), CPUPercent: 90},
	}))

	require.NoError(t, e.EvaluateAll(t.Context()))
	require.NoError(t, e.EvaluateAll(t.Context()))

	_, err := st.GetFiringAlertEvent("fresh", types.MetricCPU)
	assert.NoError(t, err)
	_, err = st.GetFiringAlertEvent("stale", types.MetricCPU)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
