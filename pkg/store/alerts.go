package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/rivetr/rivetr/pkg/types"
)

// CreateAlertConfig inserts a per-app threshold override
func (s *Store) CreateAlertConfig(c *types.AlertConfig) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.db.NamedExec(`
		INSERT INTO alert_configs (id, app_id, metric_type, threshold_percent, enabled)
		VALUES (:id, :app_id, :metric_type, :threshold_percent, :enabled)`, c)
	return err
}

// GetAlertConfig returns the per-app config for a metric, ErrNotFound when
// the app has no override.
func (s *Store) GetAlertConfig(appID string, metric types.MetricType) (*types.AlertConfig, error) {
	var c types.AlertConfig
	err := s.db.Get(&c,
		`SELECT * FROM alert_configs WHERE app_id = ? AND metric_type = ?`, appID, metric)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// UpdateAlertConfig persists threshold/enabled changes
func (s *Store) UpdateAlertConfig(c *types.AlertConfig) error {
	_, err := s.db.NamedExec(`
		UPDATE alert_configs SET threshold_percent = :threshold_percent, enabled = :enabled
		WHERE id = :id`, c)
	return err
}

// DeleteAlertConfig removes a per-app override
func (s *Store) DeleteAlertConfig(id string) error {
	_, err := s.db.Exec(`DELETE FROM alert_configs WHERE id = ?`, id)
	return err
}

// SetGlobalAlertDefault upserts the process-wide default for a metric
func (s *Store) SetGlobalAlertDefault(d *types.GlobalAlertDefault) error {
	_, err := s.db.NamedExec(`
		INSERT INTO global_alert_defaults (metric_type, threshold_percent, enabled)
		VALUES (:metric_type, :threshold_percent, :enabled)
		ON CONFLICT(metric_type) DO UPDATE SET
			threshold_percent = excluded.threshold_percent, enabled = excluded.enabled`, d)
	return err
}

// GetGlobalAlertDefault returns the default threshold for a metric
func (s *Store) GetGlobalAlertDefault(metric types.MetricType) (*types.GlobalAlertDefault, error) {
	var d types.GlobalAlertDefault
	err := s.db.Get(&d, `SELECT * FROM global_alert_defaults WHERE metric_type = ?`, metric)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// IncrementBreachCount atomically bumps the consecutive breach counter for
// (app, metric) and returns the new count.
func (s *Store) IncrementBreachCount(appID string, metric types.MetricType, now time.Time) (int, error) {
	var count int
	err := s.db.Get(&count, `
		INSERT INTO alert_breach_counts (app_id, metric_type, consecutive_breaches, last_breach_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(app_id, metric_type) DO UPDATE SET
			consecutive_breaches = consecutive_breaches + 1,
			last_breach_at = excluded.last_breach_at
		RETURNING consecutive_breaches`, appID, metric, now)
	return count, err
}

// ResetBreachCount zeroes the counter for (app, metric). A missing row is
// already zero and is left absent.
func (s *Store) ResetBreachCount(appID string, metric types.MetricType) error {
	_, err := s.db.Exec(`
		UPDATE alert_breach_counts SET consecutive_breaches = 0
		WHERE app_id = ? AND metric_type = ?`, appID, metric)
	return err
}

// GetBreachCount returns the current consecutive breach count, zero when
// no row exists.
func (s *Store) GetBreachCount(appID string, metric types.MetricType) (int, error) {
	var count int
	err := s.db.Get(&count, `
		SELECT consecutive_breaches FROM alert_breach_counts
		WHERE app_id = ? AND metric_type = ?`, appID, metric)
	if err != nil {
		if notFound(err) == ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

// CreateAlertEvent inserts a firing alert event
func (s *Store) CreateAlertEvent(e *types.AlertEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.NamedExec(`
		INSERT INTO alert_events (id, app_id, metric_type, threshold_percent, current_value,
			status, fired_at, resolved_at, last_notified_at, consecutive_breaches)
		VALUES (:id, :app_id, :metric_type, :threshold_percent, :current_value,
			:status, :fired_at, :resolved_at, :last_notified_at, :consecutive_breaches)`, e)
	return err
}

// GetFiringAlertEvent returns the single firing event for (app, metric),
// ErrNotFound when none is active.
func (s *Store) GetFiringAlertEvent(appID string, metric types.MetricType) (*types.AlertEvent, error) {
	var e types.AlertEvent
	err := s.db.Get(&e, `
		SELECT * FROM alert_events
		WHERE app_id = ? AND metric_type = ? AND status = 'firing'
		ORDER BY fired_at DESC LIMIT 1`, appID, metric)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// UpdateAlertEvent persists value/notification/resolution changes
func (s *Store) UpdateAlertEvent(e *types.AlertEvent) error {
	_, err := s.db.NamedExec(`
		UPDATE alert_events SET current_value = :current_value, status = :status,
			resolved_at = :resolved_at, last_notified_at = :last_notified_at,
			consecutive_breaches = :consecutive_breaches
		WHERE id = :id`, e)
	return err
}

// ListAlertEventsByApp returns an app's alert history, newest first
func (s *Store) ListAlertEventsByApp(appID string) ([]types.AlertEvent, error) {
	var events []types.AlertEvent
	err := s.db.Select(&events,
		`SELECT * FROM alert_events WHERE app_id = ? ORDER BY fired_at DESC`, appID)
	return events, err
}

// CountFiringAlerts returns the number of firing events per metric type
func (s *Store) CountFiringAlerts() (map[types.MetricType]int, error) {
	rows := []struct {
		MetricType types.MetricType `db:"metric_type"`
		Count      int              `db:"count"`
	}{}
	err := s.db.Select(&rows, `
		SELECT metric_type, COUNT(*) AS count FROM alert_events
		WHERE status = 'firing' GROUP BY metric_type`)
	if err != nil {
		return nil, err
	}
	counts := make(map[types.MetricType]int, len(rows))
	for _, r := range rows {
		counts[r.MetricType] = r.Count
	}
	return counts, nil
}
