// Package alerts evaluates resource thresholds over the latest metric
// sample per app and manages the firing/resolved lifecycle of alert
// events. Two consecutive breaches promote to firing; recovery resolves.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivetr/rivetr/pkg/log"
	"github.com/rivetr/rivetr/pkg/metrics"
	"github.com/rivetr/rivetr/pkg/notify"
	"github.com/rivetr/rivetr/pkg/store"
	"github.com/rivetr/rivetr/pkg/types"
)

const (
	// hysteresisThreshold is the consecutive-breach minimum before an
	// alert fires.
	hysteresisThreshold = 2

	// renotifyWindow bounds how often a still-firing alert re-sends
	renotifyWindow = 15 * time.Minute

	// metricFreshness bounds how old the latest sample may be to still
	// count as current.
	metricFreshness = 5 * time.Minute
)

// Evaluator runs threshold evaluation after each collector tick
type Evaluator struct {
	store      *store.Store
	dispatcher *notify.Dispatcher
	interval   time.Duration
	dashboard  string
	logger     zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewEvaluator creates the alert evaluator. dashboardURL may be empty.
func NewEvaluator(st *store.Store, dispatcher *notify.Dispatcher, interval time.Duration, dashboardURL string) *Evaluator {
	return &Evaluator{
		store:      st,
		dispatcher: dispatcher,
		interval:   interval,
		dashboard:  dashboardURL,
		logger:     log.WithComponent("alerts"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the evaluation loop
func (e *Evaluator) Start() {
	go func() {
		defer close(e.doneCh)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := e.EvaluateAll(context.Background()); err != nil {
					e.logger.Error().Err(err).Msg("Alert evaluation failed")
				}
			case <-e.stopCh:
				return
			}
		}
	}()
	e.logger.Info().Dur("interval", e.interval).Msg("Alert evaluator started")
}

// Stop terminates the loop
func (e *Evaluator) Stop() {
	close(e.stopCh)
	<-e.doneCh
	e.logger.Info().Msg("Alert evaluator stopped")
}

// EvaluateAll evaluates every app with a fresh metric sample over each
// metric type exactly once.
func (e *Evaluator) EvaluateAll(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-metricFreshness)
	latest, err := e.store.LatestMetricsSince(cutoff)
	if err != nil {
		return fmt.Errorf("failed to load latest metrics: %w", err)
	}

	for i := range latest {
		metric := &latest[i]
		for _, mt := range types.AllMetricTypes {
			if err := e.evaluate(ctx, metric, mt); err != nil {
				e.logger.Error().Err(err).
					Str("app_id", metric.AppID).
					Str("metric_type", string(mt)).
					Msg("Failed to evaluate alert")
			}
		}
	}

	e.updateFiringGauge()
	return nil
}

// evaluate applies the threshold policy for one (app, metric) pair
func (e *Evaluator) evaluate(ctx context.Context, metric *types.ResourceMetric, mt types.MetricType) error {
	currentValue := percentage(metric, mt)

	threshold, enabled, err := e.effectiveThreshold(metric.AppID, mt)
	if err != nil {
		return err
	}
	if !enabled {
		// Disabled configs still resolve an alert that was firing when
		// the config was active.
		return e.resolveIfFiring(metric.AppID, mt, currentValue, threshold)
	}

	now := time.Now().UTC()

	if currentValue > threshold {
		k, err := e.store.IncrementBreachCount(metric.AppID, mt, now)
		if err != nil {
			return fmt.Errorf("failed to increment breach count: %w", err)
		}

		firing, err := e.store.GetFiringAlertEvent(metric.AppID, mt)
		switch {
		case err == nil:
			firing.CurrentValue = currentValue
			firing.ConsecutiveBreaches = k
			renotify := firing.LastNotifiedAt == nil || now.Sub(*firing.LastNotifiedAt) >= renotifyWindow
			if renotify {
				firing.LastNotifiedAt = &now
			}
			if err := e.store.UpdateAlertEvent(firing); err != nil {
				return fmt.Errorf("failed to update alert event: %w", err)
			}
			if renotify {
				e.notify(metric.AppID, mt, currentValue, threshold, "firing")
			}
		case errors.Is(err, store.ErrNotFound):
			if k < hysteresisThreshold {
				return nil
			}
			event := &types.AlertEvent{
				AppID:               metric.AppID,
				MetricType:          mt,
				ThresholdPercent:    threshold,
				CurrentValue:        currentValue,
				Status:              types.AlertFiring,
				FiredAt:             now,
				LastNotifiedAt:      &now,
				ConsecutiveBreaches: k,
			}
			if err := e.store.CreateAlertEvent(event); err != nil {
				return fmt.Errorf("failed to create alert event: %w", err)
			}
			metrics.AlertEventsTotal.WithLabelValues("firing").Inc()
			e.logger.Warn().
				Str("app_id", metric.AppID).
				Str("metric_type", string(mt)).
				Float64("current_value", currentValue).
				Float64("threshold", threshold).
				Msg("Alert fired")
			e.notify(metric.AppID, mt, currentValue, threshold, "firing")
		default:
			return fmt.Errorf("failed to look up firing event: %w", err)
		}
		return nil
	}

	// Recovered or never breached.
	if err := e.store.ResetBreachCount(metric.AppID, mt); err != nil {
		return fmt.Errorf("failed to reset breach count: %w", err)
	}
	return e.resolveIfFiring(metric.AppID, mt, currentValue, threshold)
}

// resolveIfFiring closes an active alert event, if any, and sends the
// resolved notification.
func (e *Evaluator) resolveIfFiring(appID string, mt types.MetricType, currentValue, threshold float64) error {
	firing, err := e.store.GetFiringAlertEvent(appID, mt)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to look up firing event: %w", err)
	}

	now := time.Now().UTC()
	firing.Status = types.AlertResolved
	firing.ResolvedAt = &now
	firing.CurrentValue = currentValue
	if err := e.store.UpdateAlertEvent(firing); err != nil {
		return fmt.Errorf("failed to resolve alert event: %w", err)
	}
	metrics.AlertEventsTotal.WithLabelValues("resolved").Inc()
	e.logger.Info().
		Str("app_id", appID).
		Str("metric_type", string(mt)).
		Float64("current_value", currentValue).
		Msg("Alert resolved")
	e.notify(appID, mt, currentValue, threshold, "resolved")
	return nil
}

// effectiveThreshold resolves the per-app config, falling back to the
// global default for the metric. No config at all means disabled.
func (e *Evaluator) effectiveThreshold(appID string, mt types.MetricType) (float64, bool, error) {
	cfg, err := e.store.GetAlertConfig(appID, mt)
	if err == nil {
		return cfg.ThresholdPercent, cfg.Enabled, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, false, fmt.Errorf("failed to load alert config: %w", err)
	}

	def, err := e.store.GetGlobalAlertDefault(mt)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to load global alert default: %w", err)
	}
	return def.ThresholdPercent, def.Enabled, nil
}

// percentage computes the evaluated value for a metric type. Zero
// limits yield zero rather than dividing.
func percentage(metric *types.ResourceMetric, mt types.MetricType) float64 {
	switch mt {
	case types.MetricCPU:
		return metric.CPUPercent
	case types.MetricMemory:
		if metric.MemoryLimitBytes == 0 {
			return 0
		}
		return float64(metric.MemoryBytes) / float64(metric.MemoryLimitBytes) * 100
	case types.MetricDisk:
		if metric.DiskLimitBytes == 0 {
			return 0
		}
		return float64(metric.DiskBytes) / float64(metric.DiskLimitBytes) * 100
	}
	return 0
}

// notify fans the alert out through the dispatcher without blocking
func (e *Evaluator) notify(appID string, mt types.MetricType, currentValue, threshold float64, status string) {
	if e.dispatcher == nil {
		return
	}

	appName := appID
	if app, err := e.store.GetApp(appID); err == nil {
		appName = app.Name
	}

	eventType := notify.EventAlertFiring
	severity := notify.DeriveSeverity(currentValue, threshold)
	if status == "resolved" {
		eventType = notify.EventAlertResolved
		severity = notify.SeverityInfo
	}

	err := e.dispatcher.Enqueue(notify.Event{
		Type:         eventType,
		AppID:        appID,
		AppName:      appName,
		MetricType:   string(mt),
		CurrentValue: currentValue,
		Threshold:    threshold,
		Status:       status,
		Severity:     severity,
		DashboardURL: e.dashboard,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("app_id", appID).Msg("Dropped alert notification")
	}
}

// updateFiringGauge refreshes the prometheus gauge of firing alerts
func (e *Evaluator) updateFiringGauge() {
	counts, err := e.store.CountFiringAlerts()
	if err != nil {
		return
	}
	for _, mt := range types.AllMetricTypes {
		metrics.AlertsFiring.WithLabelValues(string(mt)).Set(float64(counts[mt]))
	}
}
