package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivetr/rivetr/pkg/config"
	"github.com/rivetr/rivetr/pkg/log"
	"github.com/rivetr/rivetr/pkg/runtime"
	"github.com/rivetr/rivetr/pkg/secrets"
	"github.com/rivetr/rivetr/pkg/store"
	"github.com/rivetr/rivetr/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	m.Run()
}

// fakeRuntime answers container execs from a canned script
type fakeRuntime struct {
	runtime.Runtime

	commands [][]string
	dumpData []byte
	failWith error
}

func newFakeRuntime(dumpData []byte) *fakeRuntime {
	return &fakeRuntime{Runtime: runtime.NewNoopRuntime(), dumpData: dumpData}
}

func (f *fakeRuntime) RunCommand(ctx context.Context, containerID string, argv []string) (*runtime.ExecResult, error) {
	f.commands = append(f.commands, argv)
	if f.failWith != nil {
		return &runtime.ExecResult{ExitCode: 1, Stderr: []byte(f.failWith.Error())}, nil
	}
	if argv[0] == "cat" {
		return &runtime.ExecResult{ExitCode: 0, Stdout: f.dumpData}, nil
	}
	return &runtime.ExecResult{ExitCode: 0}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestScheduler(t *testing.T, st *store.Store, rt runtime.Runtime) *Scheduler {
	t.Helper()
	cfg := config.DatabaseBackupConfig{
		Enabled:           true,
		CheckIntervalSecs: 300,
		BackupDir:         "backups",
	}
	var sealer *secrets.Sealer // plaintext passthrough
	return NewScheduler(st, rt, sealer, nil, t.TempDir(), cfg)
}

func createTestDatabase(t *testing.T, st *store.Store, dbType types.DatabaseType) *types.ManagedDatabase {
	t.Helper()
	containerID := "db-container"
	db := &types.ManagedDatabase{
		Name:        "orders",
		DBType:      dbType,
		Status:      types.DatabaseRunning,
		ContainerID: &containerID,
		Credentials: `{"username":"orders","password":"s3cret","root_password":"r00t","database":"orders"}`,
	}
	require.NoError(t, st.CreateDatabase(db))
	return db
}

func TestRunBackupPostgres(t *testing.T) {
	st := newTestStore(t)
	rt := newFakeRuntime([]byte("-- PostgreSQL dump\n"))
	s := newTestScheduler(t, st, rt)
	db := createTestDatabase(t, st, types.DatabasePostgres)

	row, err := s.RunBackup(t.Context(), db, types.BackupManual)
	require.NoError(t, err)

	assert.Equal(t, types.BackupCompleted, row.Status)
	require.NotNil(t, row.FilePath)
	require.NotNil(t, row.FileSize)
	assert.Equal(t, int64(len("-- PostgreSQL dump\n")), *row.FileSize)
	require.NotNil(t, row.CompletedAt)

	// File lands under <data_dir>/backups/<database_id>/ with the
	// timestamped name and dump content
	assert.Equal(t, filepath.Join(s.dataDir, "backups", db.ID), filepath.Dir(*row.FilePath))
	base := filepath.Base(*row.FilePath)
	assert.True(t, strings.HasPrefix(base, "orders_"), base)
	assert.True(t, strings.HasSuffix(base, ".sql"), base)

	data, err := os.ReadFile(*row.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "-- PostgreSQL dump\n", string(data))

	// pg_dump ran with the decrypted credentials, then the temp file was
	// read back and removed
	require.Len(t, rt.commands, 3)
	assert.Contains(t, rt.commands[0][2], "pg_dump -U orders -d orders")
	assert.Contains(t, rt.commands[0][2], "PGPASSWORD='s3cret'")
	assert.Equal(t, []string{"cat", "/tmp/backup.sql"}, rt.commands[1])
	assert.Equal(t, []string{"rm", "-f", "/tmp/backup.sql"}, rt.commands[2])
}

func TestRunBackupMySQLUsesRootPassword(t *testing.T) {
	st := newTestStore(t)
	rt := newFakeRuntime([]byte("-- MySQL dump\n"))
	s := newTestScheduler(t, st, rt)
	db := createTestDatabase(t, st, types.DatabaseMySQL)

	row, err := s.RunBackup(t.Context(), db, types.BackupManual)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(*row.FilePath, ".sql"))
	assert.Contains(t, rt.commands[0][2], "mysqldump -u root -p'r00t' orders")
}

func TestRunBackupFailureMarksRow(t *testing.T) {
	st := newTestStore(t)
	rt := newFakeRuntime(nil)
	rt.failWith = fmt.Errorf("FATAL: role does not exist")
	s := newTestScheduler(t, st, rt)
	db := createTestDatabase(t, st, types.DatabasePostgres)

	row, err := s.RunBackup(t.Context(), db, types.BackupScheduled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role does not exist")

	got, dbErr := st.GetDatabaseBackup(row.ID)
	require.NoError(t, dbErr)
	assert.Equal(t, types.BackupFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "role does not exist")
	require.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.FilePath)
}

func TestDumpRejectsUnknownType(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, newFakeRuntime(nil))
	containerID := "c1"
	db := &types.ManagedDatabase{
		DBType:      "oracle",
		ContainerID: &containerID,
		Credentials: `{}`,
	}
	_, _, err := s.dump(t.Context(), db)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestProcessScheduleAdvancesEvenOnSkip(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, newFakeRuntime(nil))

	db := createTestDatabase(t, st, types.DatabasePostgres)
	db.Status = types.DatabaseStopped
	require.NoError(t, st.UpdateDatabase(db))

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	sch := &types.DatabaseBackupSchedule{
		DatabaseID:     db.ID,
		Enabled:        true,
		ScheduleType:   types.ScheduleDaily,
		ScheduleHour:   3,
		RetentionCount: 7,
		NextRunAt:      &past,
	}
	require.NoError(t, st.CreateBackupSchedule(sch))

	s.processSchedule(t.Context(), sch, now)

	got, err := st.GetBackupSchedule(db.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(now))

	// The skipped database produced no backup rows
	backups, err := st.ListBackupsByDatabase(db.ID)
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestSweepRetention(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, newFakeRuntime(nil))
	db := createTestDatabase(t, st, types.DatabasePostgres)

	dir := t.TempDir()
	base := time.Now().UTC().Add(-10 * time.Hour)
	var rows []*types.DatabaseBackup
	for i := 0; i < 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("orders_%d.sql", i))
		require.NoError(t, os.WriteFile(path, []byte("dump"), 0o600))
		completed := base.Add(time.Duration(i) * time.Hour)
		b := &types.DatabaseBackup{
			DatabaseID:  db.ID,
			BackupType:  types.BackupScheduled,
			Status:      types.BackupCompleted,
			FilePath:    &path,
			CompletedAt: &completed,
		}
		require.NoError(t, st.CreateDatabaseBackup(b))
		rows = append(rows, b)
	}

	s.sweepRetention(db, 2)

	remaining, err := st.ListBackupsByDatabase(db.ID)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)

	// The two oldest rows and files are gone; the newest files remain
	assert.NoFileExists(t, *rows[0].FilePath)
	assert.NoFileExists(t, *rows[1].FilePath)
	assert.FileExists(t, *rows[2].FilePath)
	assert.FileExists(t, *rows[3].FilePath)
}

func intPtr(v int) *int { return &v }

func TestNextRun(t *testing.T) {
	// Monday 2026-08-24 10:30 UTC
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		sch  types.DatabaseBackupSchedule
		want time.Time
	}{
		{
			name: "daily later today",
			sch:  types.DatabaseBackupSchedule{ScheduleType: types.ScheduleDaily, ScheduleHour: 22},
			want: time.Date(2026, 8, 24, 22, 0, 0, 0, time.UTC),
		},
		{
			name: "daily hour already passed",
			sch:  types.DatabaseBackupSchedule{ScheduleType: types.ScheduleDaily, ScheduleHour: 3},
			want: time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "weekly next sunday",
			sch:  types.DatabaseBackupSchedule{ScheduleType: types.ScheduleWeekly, ScheduleHour: 4, ScheduleDay: intPtr(0)},
			want: time.Date(2026, 8, 30, 4, 0, 0, 0, time.UTC),
		},
		{
			name: "weekly same weekday hour passed",
			sch:  types.DatabaseBackupSchedule{ScheduleType: types.ScheduleWeekly, ScheduleHour: 3, ScheduleDay: intPtr(1)},
			want: time.Date(2026, 8, 31, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "monthly later this month",
			sch:  types.DatabaseBackupSchedule{ScheduleType: types.ScheduleMonthly, ScheduleHour: 2, ScheduleDay: intPtr(28)},
			want: time.Date(2026, 8, 28, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "monthly day already passed",
			sch:  types.DatabaseBackupSchedule{ScheduleType: types.ScheduleMonthly, ScheduleHour: 2, ScheduleDay: intPtr(1)},
			want: time.Date(2026, 9, 1, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "monthly day 31 clamps to short month",
			sch:  types.DatabaseBackupSchedule{ScheduleType: types.ScheduleMonthly, ScheduleHour: 2, ScheduleDay: intPtr(31)},
			want: time.Date(2026, 8, 31, 2, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextRun(&tt.sch, now)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(now))
		})
	}

	// February clamps a day-31 schedule to the 28th
	febNow := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	got := NextRun(&types.DatabaseBackupSchedule{
		ScheduleType: types.ScheduleMonthly, ScheduleHour: 2, ScheduleDay: intPtr(31)}, febNow)
	assert.Equal(t, time.Date(2026, 2, 28, 2, 0, 0, 0, time.UTC), got)
}
