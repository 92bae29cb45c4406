package store

import (
	"github.com/rivetr/rivetr/pkg/types"
)

// Default monthly rates applied when no cost_rates row exists
const (
	DefaultCPURate    = 0.02
	DefaultMemoryRate = 0.05
	DefaultDiskRate   = 0.10
)

// ListCostRates returns the monthly rate per unit for every resource type,
// filling in the documented defaults for missing rows.
func (s *Store) ListCostRates() (map[types.ResourceType]float64, error) {
	rates := map[types.ResourceType]float64{
		types.ResourceCPU:    DefaultCPURate,
		types.ResourceMemory: DefaultMemoryRate,
		types.ResourceDisk:   DefaultDiskRate,
	}
	var rows []types.CostRate
	if err := s.db.Select(&rows, `SELECT * FROM cost_rates`); err != nil {
		return nil, err
	}
	for _, r := range rows {
		rates[r.ResourceType] = r.RatePerUnit
	}
	return rates, nil
}

// UpsertCostRate sets the administrator-editable monthly rate for a resource
func (s *Store) UpsertCostRate(r *types.CostRate) error {
	_, err := s.db.NamedExec(`
		INSERT INTO cost_rates (resource_type, rate_per_unit)
		VALUES (:resource_type, :rate_per_unit)
		ON CONFLICT(resource_type) DO UPDATE SET rate_per_unit = excluded.rate_per_unit`, r)
	return err
}

// UpsertCostSnapshot writes the per-app daily snapshot; keyed on
// (app_id, snapshot_date) so re-running a date is idempotent.
func (s *Store) UpsertCostSnapshot(c *types.CostSnapshot) error {
	_, err := s.db.NamedExec(`
		INSERT INTO cost_snapshots (app_id, snapshot_date, avg_cpu_cores, avg_memory_gb,
			avg_disk_gb, cpu_cost, memory_cost, disk_cost, total_cost, sample_count)
		VALUES (:app_id, :snapshot_date, :avg_cpu_cores, :avg_memory_gb,
			:avg_disk_gb, :cpu_cost, :memory_cost, :disk_cost, :total_cost, :sample_count)
		ON CONFLICT(app_id, snapshot_date) DO UPDATE SET
			avg_cpu_cores = excluded.avg_cpu_cores,
			avg_memory_gb = excluded.avg_memory_gb,
			avg_disk_gb = excluded.avg_disk_gb,
			cpu_cost = excluded.cpu_cost,
			memory_cost = excluded.memory_cost,
			disk_cost = excluded.disk_cost,
			total_cost = excluded.total_cost,
			sample_count = excluded.sample_count`, c)
	return err
}

// GetCostSnapshot retrieves one app's snapshot for a date
func (s *Store) GetCostSnapshot(appID, date string) (*types.CostSnapshot, error) {
	var c types.CostSnapshot
	err := s.db.Get(&c,
		`SELECT * FROM cost_snapshots WHERE app_id = ? AND snapshot_date = ?`, appID, date)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ListCostSnapshotsByDate returns all snapshots for a date
func (s *Store) ListCostSnapshotsByDate(date string) ([]types.CostSnapshot, error) {
	var snaps []types.CostSnapshot
	err := s.db.Select(&snaps,
		`SELECT * FROM cost_snapshots WHERE snapshot_date = ? ORDER BY app_id`, date)
	return snaps, err
}

// DeleteCostSnapshotsBefore removes snapshots older than the retention
// cutoff date (YYYY-MM-DD) and returns the number of rows removed.
func (s *Store) DeleteCostSnapshotsBefore(date string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cost_snapshots WHERE snapshot_date < ?`, date)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
