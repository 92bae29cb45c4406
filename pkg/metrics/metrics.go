package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Monitor metrics
	ContainerRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rivetr_container_restarts_total",
			Help: "Total number of automatic container restart attempts by outcome",
		},
		[]string{"outcome"},
	)

	DeploymentsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rivetr_deployments_failed_total",
			Help: "Total number of deployments flipped to failed by the monitor",
		},
	)

	MonitorTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rivetr_monitor_tick_duration_seconds",
			Help:    "Duration of a container monitor tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeploymentsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rivetr_deployments_running",
			Help: "Number of deployments currently in status running",
		},
	)

	// Alert metrics
	AlertsFiring = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rivetr_alerts_firing",
			Help: "Number of firing alert events by metric type",
		},
		[]string{"metric_type"},
	)

	AlertEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rivetr_alert_events_total",
			Help: "Total alert event transitions by status",
		},
		[]string{"status"},
	)

	// Collector metrics
	MetricSamplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rivetr_metric_samples_total",
			Help: "Total number of resource metric samples inserted",
		},
	)

	MetricSampleFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rivetr_metric_sample_failures_total",
			Help: "Total number of failed container stats calls",
		},
	)

	// Notification metrics
	NotificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rivetr_notifications_sent_total",
			Help: "Total notification deliveries by channel type and outcome",
		},
		[]string{"channel_type", "outcome"},
	)

	NotificationQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rivetr_notification_queue_depth",
			Help: "Current depth of the notification dispatch queue",
		},
	)

	NotificationsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rivetr_notifications_dropped_total",
			Help: "Total notifications dropped because the queue was full",
		},
	)

	// Backup metrics
	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rivetr_database_backups_total",
			Help: "Total database backup runs by outcome",
		},
		[]string{"outcome"},
	)

	// Disk metrics
	DataDirUsagePercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rivetr_data_dir_usage_percent",
			Help: "Percentage of the data_dir filesystem in use",
		},
	)

	// Cleanup metrics
	DeploymentsCleanedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rivetr_deployments_cleaned_total",
			Help: "Total deployments removed by the retention cleanup",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ContainerRestartsTotal)
	prometheus.MustRegister(DeploymentsFailedTotal)
	prometheus.MustRegister(MonitorTickDuration)
	prometheus.MustRegister(DeploymentsRunning)
	prometheus.MustRegister(AlertsFiring)
	prometheus.MustRegister(AlertEventsTotal)
	prometheus.MustRegister(MetricSamplesTotal)
	prometheus.MustRegister(MetricSampleFailuresTotal)
	prometheus.MustRegister(NotificationsSentTotal)
	prometheus.MustRegister(NotificationQueueDepth)
	prometheus.MustRegister(NotificationsDroppedTotal)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(DataDirUsagePercent)
	prometheus.MustRegister(DeploymentsCleanedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
