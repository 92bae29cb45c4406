package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/rivetr/rivetr/pkg/types"
)

// CreateBackupSchedule inserts the recurring backup policy for a database
func (s *Store) CreateBackupSchedule(sch *types.DatabaseBackupSchedule) error {
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	_, err := s.db.NamedExec(`
		INSERT INTO database_backup_schedules (id, database_id, enabled, schedule_type,
			schedule_hour, schedule_day, retention_count, last_run_at, next_run_at)
		VALUES (:id, :database_id, :enabled, :schedule_type,
			:schedule_hour, :schedule_day, :retention_count, :last_run_at, :next_run_at)`, sch)
	return err
}

// GetBackupSchedule returns the schedule for a database
func (s *Store) GetBackupSchedule(databaseID string) (*types.DatabaseBackupSchedule, error) {
	var sch types.DatabaseBackupSchedule
	err := s.db.Get(&sch,
		`SELECT * FROM database_backup_schedules WHERE database_id = ?`, databaseID)
	if err != nil {
		return nil, notFound(err)
	}
	return &sch, nil
}

// UpdateBackupSchedule persists schedule edits and run bookkeeping
func (s *Store) UpdateBackupSchedule(sch *types.DatabaseBackupSchedule) error {
	_, err := s.db.NamedExec(`
		UPDATE database_backup_schedules SET enabled = :enabled, schedule_type = :schedule_type,
			schedule_hour = :schedule_hour, schedule_day = :schedule_day,
			retention_count = :retention_count, last_run_at = :last_run_at,
			next_run_at = :next_run_at
		WHERE id = :id`, sch)
	return err
}

// DueBackupSchedules returns enabled schedules whose next_run_at is at or
// before now.
func (s *Store) DueBackupSchedules(now time.Time) ([]types.DatabaseBackupSchedule, error) {
	var schedules []types.DatabaseBackupSchedule
	err := s.db.Select(&schedules, `
		SELECT * FROM database_backup_schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?`, now)
	return schedules, err
}

// CreateDatabaseBackup inserts a backup run record
func (s *Store) CreateDatabaseBackup(b *types.DatabaseBackup) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExec(`
		INSERT INTO database_backups (id, database_id, backup_type, status, file_path,
			file_size, started_at, completed_at, error_message, created_at)
		VALUES (:id, :database_id, :backup_type, :status, :file_path,
			:file_size, :started_at, :completed_at, :error_message, :created_at)`, b)
	return err
}

// GetDatabaseBackup retrieves one backup run
func (s *Store) GetDatabaseBackup(id string) (*types.DatabaseBackup, error) {
	var b types.DatabaseBackup
	err := s.db.Get(&b, `SELECT * FROM database_backups WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

// UpdateDatabaseBackup persists backup run transitions
func (s *Store) UpdateDatabaseBackup(b *types.DatabaseBackup) error {
	_, err := s.db.NamedExec(`
		UPDATE database_backups SET status = :status, file_path = :file_path,
			file_size = :file_size, started_at = :started_at,
			completed_at = :completed_at, error_message = :error_message
		WHERE id = :id`, b)
	return err
}

// ListBackupsByDatabase returns a database's backup runs, newest first
func (s *Store) ListBackupsByDatabase(databaseID string) ([]types.DatabaseBackup, error) {
	var backups []types.DatabaseBackup
	err := s.db.Select(&backups, `
		SELECT * FROM database_backups WHERE database_id = ?
		ORDER BY created_at DESC`, databaseID)
	return backups, err
}

// CompletedBackupsBeyondRetention returns completed backups past the most
// recent keep entries, oldest last so callers can delete in order.
func (s *Store) CompletedBackupsBeyondRetention(databaseID string, keep int) ([]types.DatabaseBackup, error) {
	var backups []types.DatabaseBackup
	err := s.db.Select(&backups, `
		SELECT * FROM database_backups
		WHERE database_id = ? AND status = 'completed'
		ORDER BY completed_at DESC LIMIT -1 OFFSET ?`, databaseID, keep)
	return backups, err
}

// DeleteDatabaseBackup removes a backup row
func (s *Store) DeleteDatabaseBackup(id string) error {
	_, err := s.db.Exec(`DELETE FROM database_backups WHERE id = ?`, id)
	return err
}
