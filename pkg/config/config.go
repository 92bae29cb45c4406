package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration, loaded once at startup
type Config struct {
	Server           ServerConfig           `yaml:"server"`
	Runtime          RuntimeConfig          `yaml:"runtime"`
	Auth             AuthConfig             `yaml:"auth"`
	ContainerMonitor ContainerMonitorConfig `yaml:"container_monitor"`
	MetricsCollector MetricsCollectorConfig `yaml:"metrics_collector"`
	Cost             CostConfig             `yaml:"cost"`
	Cleanup          CleanupConfig          `yaml:"cleanup"`
	DatabaseBackup   DatabaseBackupConfig   `yaml:"database_backup"`
	DiskMonitor      DiskMonitorConfig      `yaml:"disk_monitor"`
	Notifications    NotificationsConfig    `yaml:"notifications"`
	Log              LogConfig              `yaml:"log"`
}

// ServerConfig holds bind addresses and the on-disk layout root
type ServerConfig struct {
	Host        string `yaml:"host"`
	APIPort     int    `yaml:"api_port"`
	ProxyPort   int    `yaml:"proxy_port"`
	DataDir     string `yaml:"data_dir"`
	ExternalURL string `yaml:"external_url"`
}

// RuntimeConfig selects the container runtime
type RuntimeConfig struct {
	// RuntimeType is "auto", "docker" or "podman"
	RuntimeType  string `yaml:"runtime_type"`
	DockerSocket string `yaml:"docker_socket"`
}

// AuthConfig holds the fallback admin token and the optional master key
// for envelope encryption of stored secrets
type AuthConfig struct {
	AdminToken    string `yaml:"admin_token"`
	EncryptionKey string `yaml:"encryption_key"`
}

// ContainerMonitorConfig drives the crash-restart monitor loop
type ContainerMonitorConfig struct {
	Enabled            bool `yaml:"enabled"`
	CheckIntervalSecs  int  `yaml:"check_interval_secs"`
	MaxRestartAttempts int  `yaml:"max_restart_attempts"`
	InitialBackoffSecs int  `yaml:"initial_backoff_secs"`
	MaxBackoffSecs     int  `yaml:"max_backoff_secs"`
	StableDurationSecs int  `yaml:"stable_duration_secs"`
}

// MetricsCollectorConfig drives the per-app stats sampler
type MetricsCollectorConfig struct {
	Enabled             bool `yaml:"enabled"`
	IntervalSecs        int  `yaml:"interval_secs"`
	RetentionHours      int  `yaml:"retention_hours"`
	CleanupIntervalSecs int  `yaml:"cleanup_interval_secs"`
}

// CostConfig drives the daily cost snapshot calculator
type CostConfig struct {
	Enabled       bool `yaml:"enabled"`
	IntervalSecs  int  `yaml:"interval_secs"`
	RetentionDays int  `yaml:"retention_days"`
}

// CleanupConfig drives deployment history retention
type CleanupConfig struct {
	Enabled              bool `yaml:"enabled"`
	CleanupIntervalSecs  int  `yaml:"cleanup_interval_seconds"`
	MaxDeploymentsPerApp int  `yaml:"max_deployments_per_app"`
	PruneImages          bool `yaml:"prune_images"`
}

// DatabaseBackupConfig drives the backup scheduler
type DatabaseBackupConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CheckIntervalSecs int    `yaml:"check_interval_seconds"`
	BackupDir         string `yaml:"backup_dir"`
}

// DiskMonitorConfig drives the data_dir usage gauge
type DiskMonitorConfig struct {
	Enabled           bool    `yaml:"enabled"`
	CheckIntervalSecs int     `yaml:"check_interval_seconds"`
	WarningThreshold  float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`
}

// NotificationsConfig sizes the dispatcher queue
type NotificationsConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

// LogConfig controls the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration with every documented default applied
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			APIPort:   3030,
			ProxyPort: 8080,
			DataDir:   "./data",
		},
		Runtime: RuntimeConfig{
			RuntimeType: "auto",
		},
		ContainerMonitor: ContainerMonitorConfig{
			Enabled:            true,
			CheckIntervalSecs:  15,
			MaxRestartAttempts: 5,
			InitialBackoffSecs: 5,
			MaxBackoffSecs:     300,
			StableDurationSecs: 60,
		},
		MetricsCollector: MetricsCollectorConfig{
			Enabled:             true,
			IntervalSecs:        60,
			RetentionHours:      24,
			CleanupIntervalSecs: 3600,
		},
		Cost: CostConfig{
			Enabled:       true,
			IntervalSecs:  3600,
			RetentionDays: 365,
		},
		Cleanup: CleanupConfig{
			Enabled:              true,
			CleanupIntervalSecs:  86400,
			MaxDeploymentsPerApp: 10,
			PruneImages:          false,
		},
		DatabaseBackup: DatabaseBackupConfig{
			Enabled:           true,
			CheckIntervalSecs: 300,
			BackupDir:         "backups",
		},
		DiskMonitor: DiskMonitorConfig{
			Enabled:           true,
			CheckIntervalSecs: 300,
			WarningThreshold:  80,
			CriticalThreshold: 90,
		},
		Notifications: NotificationsConfig{
			QueueCapacity: 256,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the loops cannot run with
func (c *Config) Validate() error {
	switch c.Runtime.RuntimeType {
	case "auto", "docker", "podman":
	default:
		return fmt.Errorf("runtime.runtime_type must be auto, docker or podman, got %q", c.Runtime.RuntimeType)
	}
	if c.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir must not be empty")
	}
	if c.Server.APIPort <= 0 || c.Server.APIPort > 65535 {
		return fmt.Errorf("server.api_port must be between 1 and 65535")
	}
	if c.ContainerMonitor.CheckIntervalSecs <= 0 {
		return fmt.Errorf("container_monitor.check_interval_secs must be positive")
	}
	if c.ContainerMonitor.MaxRestartAttempts <= 0 {
		return fmt.Errorf("container_monitor.max_restart_attempts must be positive")
	}
	if c.ContainerMonitor.InitialBackoffSecs <= 0 || c.ContainerMonitor.MaxBackoffSecs < c.ContainerMonitor.InitialBackoffSecs {
		return fmt.Errorf("container_monitor backoff bounds invalid")
	}
	if c.Cleanup.MaxDeploymentsPerApp < 1 {
		return fmt.Errorf("cleanup.max_deployments_per_app must be at least 1")
	}
	if c.Notifications.QueueCapacity <= 0 {
		return fmt.Errorf("notifications.queue_capacity must be positive")
	}
	return nil
}
