package types

import (
	"time"
)

// App is a user-declared application managed by the control plane.
// Domains, PortMappings and the deploy command lists are stored as opaque
// JSON blobs and parsed at the boundary.
type App struct {
	ID                 string     `db:"id" json:"id"`
	Name               string     `db:"name" json:"name"`
	GitURL             string     `db:"git_url" json:"git_url"`
	Branch             string     `db:"branch" json:"branch"`
	Dockerfile         string     `db:"dockerfile" json:"dockerfile"`
	Port               int        `db:"port" json:"port"`
	MemoryLimitMB      int64      `db:"memory_limit_mb" json:"memory_limit_mb"`
	CPULimit           float64    `db:"cpu_limit" json:"cpu_limit"`
	ProjectID          *string    `db:"project_id" json:"project_id,omitempty"`
	DomainsJSON        string     `db:"domains" json:"domains"`
	PortMappingsJSON   string     `db:"port_mappings" json:"port_mappings"`
	BasicAuthEnabled   bool       `db:"basic_auth_enabled" json:"basic_auth_enabled"`
	BasicAuthUsername  string     `db:"basic_auth_username" json:"basic_auth_username"`
	BasicAuthPassHash  string     `db:"basic_auth_password_hash" json:"-"`
	PreDeployCommands  string     `db:"pre_deploy_commands" json:"pre_deploy_commands"`
	PostDeployCommands string     `db:"post_deploy_commands" json:"post_deploy_commands"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// DeploymentStatus represents the deploy state machine states
type DeploymentStatus string

const (
	DeploymentPending  DeploymentStatus = "pending"
	DeploymentCloning  DeploymentStatus = "cloning"
	DeploymentBuilding DeploymentStatus = "building"
	DeploymentStarting DeploymentStatus = "starting"
	DeploymentChecking DeploymentStatus = "checking"
	DeploymentRunning  DeploymentStatus = "running"
	DeploymentFailed   DeploymentStatus = "failed"
	DeploymentStopped  DeploymentStatus = "stopped"
)

// Terminal reports whether the status is a terminal state. Running is
// long-lived but still terminal from the workflow's point of view.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentRunning, DeploymentFailed, DeploymentStopped:
		return true
	}
	return false
}

// Deployment is an attempt to bring an App's code to the running state
type Deployment struct {
	ID           string           `db:"id" json:"id"`
	AppID        string           `db:"app_id" json:"app_id"`
	CommitSHA    *string          `db:"commit_sha" json:"commit_sha,omitempty"`
	Status       DeploymentStatus `db:"status" json:"status"`
	ContainerID  *string          `db:"container_id" json:"container_id,omitempty"`
	ImageTag     *string          `db:"image_tag" json:"image_tag,omitempty"`
	ErrorMessage *string          `db:"error_message" json:"error_message,omitempty"`
	StartedAt    time.Time        `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time       `db:"finished_at" json:"finished_at,omitempty"`
}

// LogLevel is the severity of a deployment log line
type LogLevel string

const (
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// DeploymentLog is an append-only log line attached to a deployment
type DeploymentLog struct {
	ID           int64     `db:"id" json:"id"`
	DeploymentID string    `db:"deployment_id" json:"deployment_id"`
	Timestamp    time.Time `db:"timestamp" json:"timestamp"`
	Level        LogLevel  `db:"level" json:"level"`
	Message      string    `db:"message" json:"message"`
}

// DatabaseType is the engine of a managed database
type DatabaseType string

const (
	DatabasePostgres DatabaseType = "postgres"
	DatabaseMySQL    DatabaseType = "mysql"
	DatabaseMongoDB  DatabaseType = "mongodb"
	DatabaseRedis    DatabaseType = "redis"
)

// DatabaseStatus represents the lifecycle state of a managed database
type DatabaseStatus string

const (
	DatabasePending DatabaseStatus = "pending"
	DatabaseRunning DatabaseStatus = "running"
	DatabaseStopped DatabaseStatus = "stopped"
	DatabaseFailed  DatabaseStatus = "failed"
)

// ManagedDatabase is a first-class database container with control-plane
// managed credentials and backups. Credentials are an encrypted JSON blob.
type ManagedDatabase struct {
	ID           string         `db:"id" json:"id"`
	Name         string         `db:"name" json:"name"`
	DBType       DatabaseType   `db:"db_type" json:"db_type"`
	Version      string         `db:"version" json:"version"`
	ContainerID  *string        `db:"container_id" json:"container_id,omitempty"`
	Status       DatabaseStatus `db:"status" json:"status"`
	InternalPort int            `db:"internal_port" json:"internal_port"`
	ExternalPort *int           `db:"external_port" json:"external_port,omitempty"`
	Credentials  string         `db:"credentials" json:"-"`
	VolumeName   string         `db:"volume_name" json:"volume_name"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// DatabaseCredentials is the decrypted shape of ManagedDatabase.Credentials
type DatabaseCredentials struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	RootPassword string `json:"root_password,omitempty"`
	Database     string `json:"database"`
}

// ServiceStatus represents the lifecycle state of a compose service
type ServiceStatus string

const (
	ServicePending ServiceStatus = "pending"
	ServiceRunning ServiceStatus = "running"
	ServiceStopped ServiceStatus = "stopped"
	ServiceFailed  ServiceStatus = "failed"
)

// Service is a Docker-Compose workload managed as a unit
type Service struct {
	ID             string        `db:"id" json:"id"`
	Name           string        `db:"name" json:"name"`
	ComposeContent string        `db:"compose_content" json:"compose_content"`
	Status         ServiceStatus `db:"status" json:"status"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// EnvVar is an app-scoped environment variable, unique per (app_id, key)
type EnvVar struct {
	ID       string `db:"id" json:"id"`
	AppID    string `db:"app_id" json:"app_id"`
	Key      string `db:"key" json:"key"`
	Value    string `db:"value" json:"value"`
	IsSecret bool   `db:"is_secret" json:"is_secret"`
}

// Volume is an app-scoped mount
type Volume struct {
	ID            string `db:"id" json:"id"`
	AppID         string `db:"app_id" json:"app_id"`
	Name          string `db:"name" json:"name"`
	HostPath      string `db:"host_path" json:"host_path"`
	ContainerPath string `db:"container_path" json:"container_path"`
	ReadOnly      bool   `db:"read_only" json:"read_only"`
}

// PortMapping is the parsed form of App.PortMappingsJSON
type PortMapping struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"` // "tcp" (default) or "udp"
}

// ResourceMetric is one sampled observation for an app's container
type ResourceMetric struct {
	ID               int64     `db:"id" json:"id"`
	AppID            string    `db:"app_id" json:"app_id"`
	Timestamp        time.Time `db:"timestamp" json:"timestamp"`
	CPUPercent       float64   `db:"cpu_percent" json:"cpu_percent"`
	MemoryBytes      int64     `db:"memory_bytes" json:"memory_bytes"`
	MemoryLimitBytes int64     `db:"memory_limit_bytes" json:"memory_limit_bytes"`
	DiskBytes        int64     `db:"disk_bytes" json:"disk_bytes"`
	DiskLimitBytes   int64     `db:"disk_limit_bytes" json:"disk_limit_bytes"`
}

// MetricType is the dimension an alert threshold applies to
type MetricType string

const (
	MetricCPU    MetricType = "cpu"
	MetricMemory MetricType = "memory"
	MetricDisk   MetricType = "disk"
)

// AllMetricTypes is the fixed evaluation order within a tick
var AllMetricTypes = []MetricType{MetricCPU, MetricMemory, MetricDisk}

// AlertConfig is a per-app threshold override
type AlertConfig struct {
	ID               string     `db:"id" json:"id"`
	AppID            *string    `db:"app_id" json:"app_id,omitempty"`
	MetricType       MetricType `db:"metric_type" json:"metric_type"`
	ThresholdPercent float64    `db:"threshold_percent" json:"threshold_percent"`
	Enabled          bool       `db:"enabled" json:"enabled"`
}

// GlobalAlertDefault is the process-wide threshold used when no per-app
// config exists for a metric
type GlobalAlertDefault struct {
	MetricType       MetricType `db:"metric_type" json:"metric_type"`
	ThresholdPercent float64    `db:"threshold_percent" json:"threshold_percent"`
	Enabled          bool       `db:"enabled" json:"enabled"`
}

// AlertBreachCount tracks consecutive above-threshold observations
type AlertBreachCount struct {
	AppID               string     `db:"app_id" json:"app_id"`
	MetricType          MetricType `db:"metric_type" json:"metric_type"`
	ConsecutiveBreaches int        `db:"consecutive_breaches" json:"consecutive_breaches"`
	LastBreachAt        time.Time  `db:"last_breach_at" json:"last_breach_at"`
}

// AlertStatus is firing or resolved
type AlertStatus string

const (
	AlertFiring   AlertStatus = "firing"
	AlertResolved AlertStatus = "resolved"
)

// AlertEvent records a threshold breach promoted past hysteresis
type AlertEvent struct {
	ID                  string      `db:"id" json:"id"`
	AppID               string      `db:"app_id" json:"app_id"`
	MetricType          MetricType  `db:"metric_type" json:"metric_type"`
	ThresholdPercent    float64     `db:"threshold_percent" json:"threshold_percent"`
	CurrentValue        float64     `db:"current_value" json:"current_value"`
	Status              AlertStatus `db:"status" json:"status"`
	FiredAt             time.Time   `db:"fired_at" json:"fired_at"`
	ResolvedAt          *time.Time  `db:"resolved_at" json:"resolved_at,omitempty"`
	LastNotifiedAt      *time.Time  `db:"last_notified_at" json:"last_notified_at,omitempty"`
	ConsecutiveBreaches int         `db:"consecutive_breaches" json:"consecutive_breaches"`
}

// ResourceType is the dimension a cost rate applies to
type ResourceType string

const (
	ResourceCPU    ResourceType = "cpu"
	ResourceMemory ResourceType = "memory"
	ResourceDisk   ResourceType = "disk"
)

// CostRate is an administrator-editable monthly rate per unit
// (core, GiB memory, GiB disk)
type CostRate struct {
	ResourceType ResourceType `db:"resource_type" json:"resource_type"`
	RatePerUnit  float64      `db:"rate_per_unit" json:"rate_per_unit"`
}

// CostSnapshot is the per-app, per-day cost aggregation, keyed
// (app_id, snapshot_date)
type CostSnapshot struct {
	AppID        string  `db:"app_id" json:"app_id"`
	SnapshotDate string  `db:"snapshot_date" json:"snapshot_date"` // YYYY-MM-DD
	AvgCPUCores  float64 `db:"avg_cpu_cores" json:"avg_cpu_cores"`
	AvgMemoryGB  float64 `db:"avg_memory_gb" json:"avg_memory_gb"`
	AvgDiskGB    float64 `db:"avg_disk_gb" json:"avg_disk_gb"`
	CPUCost      float64 `db:"cpu_cost" json:"cpu_cost"`
	MemoryCost   float64 `db:"memory_cost" json:"memory_cost"`
	DiskCost     float64 `db:"disk_cost" json:"disk_cost"`
	TotalCost    float64 `db:"total_cost" json:"total_cost"`
	SampleCount  int     `db:"sample_count" json:"sample_count"`
}

// BackupType distinguishes operator-triggered from scheduled backups
type BackupType string

const (
	BackupManual    BackupType = "manual"
	BackupScheduled BackupType = "scheduled"
)

// BackupStatus represents the lifecycle state of a backup run
type BackupStatus string

const (
	BackupPending   BackupStatus = "pending"
	BackupRunning   BackupStatus = "running"
	BackupCompleted BackupStatus = "completed"
	BackupFailed    BackupStatus = "failed"
)

// DatabaseBackup is one backup run for a managed database
type DatabaseBackup struct {
	ID           string       `db:"id" json:"id"`
	DatabaseID   string       `db:"database_id" json:"database_id"`
	BackupType   BackupType   `db:"backup_type" json:"backup_type"`
	Status       BackupStatus `db:"status" json:"status"`
	FilePath     *string      `db:"file_path" json:"file_path,omitempty"`
	FileSize     *int64       `db:"file_size" json:"file_size,omitempty"`
	StartedAt    *time.Time   `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage *string      `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
}

// ScheduleType is the recurrence of a backup schedule
type ScheduleType string

const (
	ScheduleDaily   ScheduleType = "daily"
	ScheduleWeekly  ScheduleType = "weekly"
	ScheduleMonthly ScheduleType = "monthly"
)

// DatabaseBackupSchedule is the recurring backup policy for one database
type DatabaseBackupSchedule struct {
	ID             string       `db:"id" json:"id"`
	DatabaseID     string       `db:"database_id" json:"database_id"`
	Enabled        bool         `db:"enabled" json:"enabled"`
	ScheduleType   ScheduleType `db:"schedule_type" json:"schedule_type"`
	ScheduleHour   int          `db:"schedule_hour" json:"schedule_hour"`
	ScheduleDay    *int         `db:"schedule_day" json:"schedule_day,omitempty"`
	RetentionCount int          `db:"retention_count" json:"retention_count"`
	LastRunAt      *time.Time   `db:"last_run_at" json:"last_run_at,omitempty"`
	NextRunAt      *time.Time   `db:"next_run_at" json:"next_run_at,omitempty"`
}

// ChannelType identifies how a notification channel delivers
type ChannelType string

const (
	ChannelSlack   ChannelType = "slack"
	ChannelDiscord ChannelType = "discord"
	ChannelEmail   ChannelType = "email"
	ChannelWebhook ChannelType = "webhook"
)

// NotificationChannel is a delivery target for alert and deployment events.
// Config is an opaque JSON blob parsed by the dispatcher.
type NotificationChannel struct {
	ID          string      `db:"id" json:"id"`
	Name        string      `db:"name" json:"name"`
	ChannelType ChannelType `db:"channel_type" json:"channel_type"`
	ConfigJSON  string      `db:"config" json:"config"`
	Enabled     bool        `db:"enabled" json:"enabled"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}

// NotificationSubscription scopes a channel to an event type and
// optionally to a single app
type NotificationSubscription struct {
	ID        string  `db:"id" json:"id"`
	ChannelID string  `db:"channel_id" json:"channel_id"`
	EventType string  `db:"event_type" json:"event_type"`
	AppID     *string `db:"app_id" json:"app_id,omitempty"`
}
