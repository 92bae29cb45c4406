// Package store persists all control-plane state in a single SQLite
// database accessed through one connection pool. The database runs in WAL
// mode with foreign keys enabled; writer serialisation is delegated to
// SQLite by capping the pool at one open connection.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned for lookups of absent entities
var ErrNotFound = errors.New("not found")

// DBFileName is the store file created under data_dir
const DBFileName = "rivetr.db"

// Store wraps the shared SQLite pool
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the store at dataDir/rivetr.db and
// applies the schema. Pass ":memory:" as dataDir for an in-memory store.
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on&_loc=UTC"
	} else {
		dbPath := filepath.Join(dataDir, DBFileName)
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_loc=UTC", dbPath)
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; SQLite serialises anyway, this avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// notFound maps sql.ErrNoRows onto the package sentinel
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS apps (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	git_url TEXT NOT NULL,
	branch TEXT NOT NULL DEFAULT 'main',
	dockerfile TEXT NOT NULL DEFAULT 'Dockerfile',
	port INTEGER NOT NULL DEFAULT 0,
	memory_limit_mb INTEGER NOT NULL DEFAULT 0,
	cpu_limit REAL NOT NULL DEFAULT 0,
	project_id TEXT,
	domains TEXT NOT NULL DEFAULT '[]',
	port_mappings TEXT NOT NULL DEFAULT '[]',
	basic_auth_enabled INTEGER NOT NULL DEFAULT 0,
	basic_auth_username TEXT NOT NULL DEFAULT '',
	basic_auth_password_hash TEXT NOT NULL DEFAULT '',
	pre_deploy_commands TEXT NOT NULL DEFAULT '[]',
	post_deploy_commands TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS env_vars (
	id TEXT PRIMARY KEY,
	app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	is_secret INTEGER NOT NULL DEFAULT 0,
	UNIQUE(app_id, key)
);

CREATE TABLE IF NOT EXISTS volumes (
	id TEXT PRIMARY KEY,
	app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	host_path TEXT NOT NULL DEFAULT '',
	container_path TEXT NOT NULL,
	read_only INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS deployments (
	id TEXT PRIMARY KEY,
	app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
	commit_sha TEXT,
	status TEXT NOT NULL,
	container_id TEXT,
	image_tag TEXT,
	error_message TEXT,
	started_at DATETIME NOT NULL,
	finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_deployments_app ON deployments(app_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status);

CREATE TABLE IF NOT EXISTS deployment_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	deployment_id TEXT NOT NULL REFERENCES deployments(id) ON DELETE CASCADE,
	timestamp DATETIME NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deployment_logs_dep ON deployment_logs(deployment_id);

CREATE TABLE IF NOT EXISTS managed_databases (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	db_type TEXT NOT NULL,
	version TEXT NOT NULL,
	container_id TEXT,
	status TEXT NOT NULL,
	internal_port INTEGER NOT NULL,
	external_port INTEGER,
	credentials TEXT NOT NULL DEFAULT '',
	volume_name TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS services (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	compose_content TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS resource_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	app_id TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	cpu_percent REAL NOT NULL,
	memory_bytes INTEGER NOT NULL,
	memory_limit_bytes INTEGER NOT NULL,
	disk_bytes INTEGER NOT NULL DEFAULT 0,
	disk_limit_bytes INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_resource_metrics_app_ts ON resource_metrics(app_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_resource_metrics_ts ON resource_metrics(timestamp);

CREATE TABLE IF NOT EXISTS alert_configs (
	id TEXT PRIMARY KEY,
	app_id TEXT REFERENCES apps(id) ON DELETE CASCADE,
	metric_type TEXT NOT NULL,
	threshold_percent REAL NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	UNIQUE(app_id, metric_type)
);

CREATE TABLE IF NOT EXISTS global_alert_defaults (
	metric_type TEXT PRIMARY KEY,
	threshold_percent REAL NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS alert_breach_counts (
	app_id TEXT NOT NULL,
	metric_type TEXT NOT NULL,
	consecutive_breaches INTEGER NOT NULL DEFAULT 0,
	last_breach_at DATETIME NOT NULL,
	PRIMARY KEY(app_id, metric_type)
);

CREATE TABLE IF NOT EXISTS alert_events (
	id TEXT PRIMARY KEY,
	app_id TEXT NOT NULL,
	metric_type TEXT NOT NULL,
	threshold_percent REAL NOT NULL,
	current_value REAL NOT NULL,
	status TEXT NOT NULL,
	fired_at DATETIME NOT NULL,
	resolved_at DATETIME,
	last_notified_at DATETIME,
	consecutive_breaches INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_alert_events_app_metric ON alert_events(app_id, metric_type, status);

CREATE TABLE IF NOT EXISTS cost_rates (
	resource_type TEXT PRIMARY KEY,
	rate_per_unit REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS cost_snapshots (
	app_id TEXT NOT NULL,
	snapshot_date TEXT NOT NULL,
	avg_cpu_cores REAL NOT NULL,
	avg_memory_gb REAL NOT NULL,
	avg_disk_gb REAL NOT NULL,
	cpu_cost REAL NOT NULL,
	memory_cost REAL NOT NULL,
	disk_cost REAL NOT NULL,
	total_cost REAL NOT NULL,
	sample_count INTEGER NOT NULL,
	PRIMARY KEY(app_id, snapshot_date)
);

CREATE TABLE IF NOT EXISTS database_backups (
	id TEXT PRIMARY KEY,
	database_id TEXT NOT NULL REFERENCES managed_databases(id) ON DELETE CASCADE,
	backup_type TEXT NOT NULL,
	status TEXT NOT NULL,
	file_path TEXT,
	file_size INTEGER,
	started_at DATETIME,
	completed_at DATETIME,
	error_message TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_database_backups_db ON database_backups(database_id, created_at DESC);

CREATE TABLE IF NOT EXISTS database_backup_schedules (
	id TEXT PRIMARY KEY,
	database_id TEXT NOT NULL UNIQUE REFERENCES managed_databases(id) ON DELETE CASCADE,
	enabled INTEGER NOT NULL DEFAULT 1,
	schedule_type TEXT NOT NULL,
	schedule_hour INTEGER NOT NULL,
	schedule_day INTEGER,
	retention_count INTEGER NOT NULL DEFAULT 7,
	last_run_at DATETIME,
	next_run_at DATETIME
);

CREATE TABLE IF NOT EXISTS notification_channels (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	channel_type TEXT NOT NULL,
	config TEXT NOT NULL DEFAULT '{}',
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS notification_subscriptions (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES notification_channels(id) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	app_id TEXT,
	UNIQUE(channel_id, event_type, app_id)
);
`
