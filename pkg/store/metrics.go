package store

import (
	"time"

	"github.com/rivetr/rivetr/pkg/types"
)

// InsertResourceMetrics batch-inserts one collection tick's samples
func (s *Store) InsertResourceMetrics(batch []types.ResourceMetric) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Preparex(`
		INSERT INTO resource_metrics (app_id, timestamp, cpu_percent, memory_bytes,
			memory_limit_bytes, disk_bytes, disk_limit_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range batch {
		if _, err := stmt.Exec(m.AppID, m.Timestamp, m.CPUPercent, m.MemoryBytes,
			m.MemoryLimitBytes, m.DiskBytes, m.DiskLimitBytes); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LatestMetricsSince returns, per app, the newest metric sampled at or
// after the cutoff. Apps with no recent sample are absent.
func (s *Store) LatestMetricsSince(cutoff time.Time) ([]types.ResourceMetric, error) {
	var metrics []types.ResourceMetric
	err := s.db.Select(&metrics, `
		SELECT m.* FROM resource_metrics m
		JOIN (
			SELECT app_id, MAX(timestamp) AS max_ts
			FROM resource_metrics
			WHERE timestamp >= ?
			GROUP BY app_id
		) latest ON m.app_id = latest.app_id AND m.timestamp = latest.max_ts
		ORDER BY m.app_id`, cutoff)
	return metrics, err
}

// MetricAppIDsOnDate returns the distinct app IDs with samples on the
// given date (YYYY-MM-DD, UTC).
func (s *Store) MetricAppIDsOnDate(date string) ([]string, error) {
	var ids []string
	err := s.db.Select(&ids, `
		SELECT DISTINCT app_id FROM resource_metrics WHERE date(timestamp) = ? ORDER BY app_id`,
		date)
	return ids, err
}

// MetricAggregate is the per-app, per-date aggregation consumed by the
// cost calculator
type MetricAggregate struct {
	AvgCPUPercent  float64 `db:"avg_cpu_percent"`
	AvgMemoryBytes float64 `db:"avg_memory_bytes"`
	AvgDiskBytes   float64 `db:"avg_disk_bytes"`
	SampleCount    int     `db:"sample_count"`
}

// AggregateMetricsForDate averages an app's samples over one date
func (s *Store) AggregateMetricsForDate(appID, date string) (*MetricAggregate, error) {
	var agg MetricAggregate
	err := s.db.Get(&agg, `
		SELECT COALESCE(AVG(cpu_percent), 0) AS avg_cpu_percent,
			COALESCE(AVG(memory_bytes), 0) AS avg_memory_bytes,
			COALESCE(AVG(disk_bytes), 0) AS avg_disk_bytes,
			COUNT(*) AS sample_count
		FROM resource_metrics
		WHERE app_id = ? AND date(timestamp) = ?`, appID, date)
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// DeleteMetricsBefore purges samples older than the retention cutoff and
// returns the number of rows removed.
func (s *Store) DeleteMetricsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM resource_metrics WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
