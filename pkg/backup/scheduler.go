// Package backup runs scheduled and manual dumps of managed databases.
// Dumps execute inside the database container and are written under
// data_dir/backups/<database_id>/.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivetr/rivetr/pkg/config"
	"github.com/rivetr/rivetr/pkg/log"
	"github.com/rivetr/rivetr/pkg/metrics"
	"github.com/rivetr/rivetr/pkg/notify"
	"github.com/rivetr/rivetr/pkg/runtime"
	"github.com/rivetr/rivetr/pkg/secrets"
	"github.com/rivetr/rivetr/pkg/store"
	"github.com/rivetr/rivetr/pkg/types"
)

// bgsaveSettle is how long redis gets to finish BGSAVE before the dump
// file is read.
const bgsaveSettle = 2 * time.Second

// Scheduler drives recurring backups and exposes RunBackup for manual
// requests from the API layer.
type Scheduler struct {
	store      *store.Store
	rt         runtime.Runtime
	sealer     *secrets.Sealer
	dispatcher *notify.Dispatcher
	dataDir    string
	cfg        config.DatabaseBackupConfig
	logger     zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler creates the backup scheduler
func NewScheduler(st *store.Store, rt runtime.Runtime, sealer *secrets.Sealer, dispatcher *notify.Dispatcher, dataDir string, cfg config.DatabaseBackupConfig) *Scheduler {
	return &Scheduler{
		store:      st,
		rt:         rt,
		sealer:     sealer,
		dispatcher: dispatcher,
		dataDir:    dataDir,
		cfg:        cfg,
		logger:     log.WithComponent("backup"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the schedule scan loop
func (s *Scheduler) Start() {
	interval := time.Duration(s.cfg.CheckIntervalSecs) * time.Second
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.scan(context.Background())
			case <-s.stopCh:
				return
			}
		}
	}()
	s.logger.Info().Dur("interval", interval).Msg("Backup scheduler started")
}

// Stop terminates the loop
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.logger.Info().Msg("Backup scheduler stopped")
}

// scan runs every due schedule once
func (s *Scheduler) scan(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueBackupSchedules(now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list due backup schedules")
		return
	}
	for i := range due {
		s.processSchedule(ctx, &due[i], now)
	}
}

// processSchedule runs one due schedule and advances its bookkeeping.
// next_run_at advances even on failure so a broken database cannot
// hot-loop the scheduler.
func (s *Scheduler) processSchedule(ctx context.Context, sch *types.DatabaseBackupSchedule, now time.Time) {
	defer func() {
		sch.LastRunAt = &now
		next := NextRun(sch, now)
		sch.NextRunAt = &next
		if err := s.store.UpdateBackupSchedule(sch); err != nil {
			s.logger.Error().Err(err).Str("schedule_id", sch.ID).Msg("Failed to advance backup schedule")
		}
	}()

	db, err := s.store.GetDatabase(sch.DatabaseID)
	if err != nil {
		s.logger.Error().Err(err).Str("database_id", sch.DatabaseID).Msg("Backup schedule references missing database")
		return
	}
	if db.Status != types.DatabaseRunning {
		s.logger.Warn().Str("database", db.Name).Str("status", string(db.Status)).
			Msg("Skipping backup of non-running database")
		return
	}

	if _, err := s.RunBackup(ctx, db, types.BackupScheduled); err != nil {
		s.logger.Error().Err(err).Str("database", db.Name).Msg("Scheduled backup failed")
	}

	s.sweepRetention(db, sch.RetentionCount)
}

// RunBackup performs one dump of a database. Manual API-triggered
// backups and scheduled ones share this path. The returned row is
// completed or failed; the error mirrors the failure for the caller.
func (s *Scheduler) RunBackup(ctx context.Context, db *types.ManagedDatabase, backupType types.BackupType) (*types.DatabaseBackup, error) {
	row := &types.DatabaseBackup{
		DatabaseID: db.ID,
		BackupType: backupType,
		Status:     types.BackupPending,
	}
	if err := s.store.CreateDatabaseBackup(row); err != nil {
		return nil, fmt.Errorf("failed to create backup record: %w", err)
	}

	started := time.Now().UTC()
	row.Status = types.BackupRunning
	row.StartedAt = &started
	if err := s.store.UpdateDatabaseBackup(row); err != nil {
		return nil, fmt.Errorf("failed to mark backup running: %w", err)
	}

	data, ext, err := s.dump(ctx, db)
	if err != nil {
		return row, s.fail(row, db, err)
	}

	dir := filepath.Join(s.dataDir, s.cfg.BackupDir, db.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return row, s.fail(row, db, fmt.Errorf("failed to create backup dir: %w", err))
	}
	fileName := fmt.Sprintf("%s_%s.%s", db.Name, started.Format("20060102_150405"), ext)
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return row, s.fail(row, db, fmt.Errorf("failed to write backup file: %w", err))
	}

	completed := time.Now().UTC()
	size := int64(len(data))
	row.Status = types.BackupCompleted
	row.FilePath = &path
	row.FileSize = &size
	row.CompletedAt = &completed
	if err := s.store.UpdateDatabaseBackup(row); err != nil {
		return row, fmt.Errorf("failed to mark backup completed: %w", err)
	}

	metrics.BackupsTotal.WithLabelValues("success").Inc()
	s.logger.Info().Str("database", db.Name).Str("file", fileName).Int64("bytes", size).
		Msg("Database backup completed")
	return row, nil
}

// fail records the failure on the backup row
func (s *Scheduler) fail(row *types.DatabaseBackup, db *types.ManagedDatabase, cause error) error {
	msg := cause.Error()
	now := time.Now().UTC()
	row.Status = types.BackupFailed
	row.ErrorMessage = &msg
	row.CompletedAt = &now
	if err := s.store.UpdateDatabaseBackup(row); err != nil {
		s.logger.Error().Err(err).Str("backup_id", row.ID).Msg("Failed to persist backup failure")
	}
	metrics.BackupsTotal.WithLabelValues("failure").Inc()

	if s.dispatcher != nil {
		err := s.dispatcher.Enqueue(notify.Event{
			Type:     notify.EventBackupFailed,
			AppID:    db.ID,
			AppName:  db.Name,
			Status:   "firing",
			Severity: notify.SeverityWarning,
			Message:  msg,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("database", db.Name).Msg("Dropped backup notification")
		}
	}
	return cause
}

// dump executes the engine-specific dump inside the container and
// returns the raw bytes plus the file extension.
func (s *Scheduler) dump(ctx context.Context, db *types.ManagedDatabase) ([]byte, string, error) {
	if db.ContainerID == nil {
		return nil, "", fmt.Errorf("database has no container")
	}
	containerID := *db.ContainerID

	creds, err := s.credentials(db)
	if err != nil {
		return nil, "", err
	}

	switch db.DBType {
	case types.DatabasePostgres:
		dumpCmd := fmt.Sprintf("PGPASSWORD='%s' pg_dump -U %s -d %s -f /tmp/backup.sql",
			creds.Password, creds.Username, creds.Database)
		data, err := s.captureTempFile(ctx, containerID, dumpCmd, "/tmp/backup.sql")
		return data, "sql", err

	case types.DatabaseMySQL:
		dumpCmd := fmt.Sprintf("mysqldump -u root -p'%s' %s > /tmp/backup.sql",
			creds.RootPassword, creds.Database)
		data, err := s.captureTempFile(ctx, containerID, dumpCmd, "/tmp/backup.sql")
		return data, "sql", err

	case types.DatabaseMongoDB:
		dumpCmd := fmt.Sprintf("mongodump --username %s --password '%s' --authenticationDatabase admin --db %s --archive=/tmp/backup.archive",
			creds.Username, creds.Password, creds.Database)
		data, err := s.captureTempFile(ctx, containerID, dumpCmd, "/tmp/backup.archive")
		return data, "archive", err

	case types.DatabaseRedis:
		if _, err := s.execChecked(ctx, containerID, []string{"redis-cli", "BGSAVE"}); err != nil {
			return nil, "", err
		}
		time.Sleep(bgsaveSettle)
		data, err := s.execChecked(ctx, containerID, []string{"cat", "/data/dump.rdb"})
		return data, "rdb", err

	default:
		return nil, "", fmt.Errorf("unsupported database type: %s", db.DBType)
	}
}

// captureTempFile runs a dump command writing to a temp file inside the
// container, reads the file back, then removes it.
func (s *Scheduler) captureTempFile(ctx context.Context, containerID, dumpCmd, tmpPath string) ([]byte, error) {
	if _, err := s.execChecked(ctx, containerID, []string{"sh", "-c", dumpCmd}); err != nil {
		return nil, err
	}
	data, err := s.execChecked(ctx, containerID, []string{"cat", tmpPath})
	if err != nil {
		return nil, err
	}
	if _, err := s.execChecked(ctx, containerID, []string{"rm", "-f", tmpPath}); err != nil {
		logger := log.WithContainer(s.logger, containerID)
		logger.Warn().Err(err).Msg("Failed to remove temp dump file")
	}
	return data, nil
}

// execChecked runs a command in the container and fails on a non-zero
// exit, surfacing stderr in the error.
func (s *Scheduler) execChecked(ctx context.Context, containerID string, argv []string) ([]byte, error) {
	result, err := s.rt.RunCommand(ctx, containerID, argv)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("%s exited %d: %s", argv[0], result.ExitCode, string(result.Stderr))
	}
	return result.Stdout, nil
}

// credentials decrypts the stored credential blob
func (s *Scheduler) credentials(db *types.ManagedDatabase) (*types.DatabaseCredentials, error) {
	raw, err := s.sealer.Open(db.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	var creds types.DatabaseCredentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return &creds, nil
}

// sweepRetention deletes completed backups (rows and files) beyond the
// schedule's retention count, oldest first.
func (s *Scheduler) sweepRetention(db *types.ManagedDatabase, keep int) {
	old, err := s.store.CompletedBackupsBeyondRetention(db.ID, keep)
	if err != nil {
		s.logger.Error().Err(err).Str("database", db.Name).Msg("Failed to select backups for retention")
		return
	}
	for i := range old {
		b := &old[i]
		if b.FilePath != nil {
			if err := os.Remove(*b.FilePath); err != nil && !os.IsNotExist(err) {
				s.logger.Warn().Err(err).Str("file", *b.FilePath).Msg("Failed to remove backup file")
			}
		}
		if err := s.store.DeleteDatabaseBackup(b.ID); err != nil {
			s.logger.Error().Err(err).Str("backup_id", b.ID).Msg("Failed to delete backup row")
			continue
		}
	}
	if len(old) > 0 {
		s.logger.Info().Str("database", db.Name).Int("removed", len(old)).Msg("Backup retention sweep")
	}
}

// NextRun computes the next scheduled run strictly after now. Weekly
// schedules match schedule_day as a weekday (0 = Sunday); monthly
// schedules clamp schedule_day to the last day of short months.
func NextRun(sch *types.DatabaseBackupSchedule, now time.Time) time.Time {
	now = now.UTC()
	hour := sch.ScheduleHour

	switch sch.ScheduleType {
	case types.ScheduleWeekly:
		day := 0
		if sch.ScheduleDay != nil {
			day = *sch.ScheduleDay
		}
		candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
		for candidate.Weekday() != time.Weekday(day) || !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate

	case types.ScheduleMonthly:
		day := 1
		if sch.ScheduleDay != nil {
			day = *sch.ScheduleDay
		}
		candidate := monthlyAt(now.Year(), now.Month(), day, hour)
		if !candidate.After(now) {
			candidate = monthlyAt(now.Year(), now.Month()+1, day, hour)
		}
		return candidate

	default: // daily
		candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate
	}
}

// monthlyAt builds the run time for a month, clamping the day to the
// month's length (a day-31 schedule runs on Feb 28/29).
func monthlyAt(year int, month time.Month, day, hour int) time.Time {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	lastDay := firstOfNext.AddDate(0, 0, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, month, day, hour, 0, 0, 0, time.UTC)
}
