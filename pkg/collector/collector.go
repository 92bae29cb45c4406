// Package collector samples resource usage of running app containers
// into the metrics table consumed by alerting and cost accounting.
package collector

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivetr/rivetr/pkg/config"
	"github.com/rivetr/rivetr/pkg/log"
	"github.com/rivetr/rivetr/pkg/metrics"
	"github.com/rivetr/rivetr/pkg/runtime"
	"github.com/rivetr/rivetr/pkg/store"
	"github.com/rivetr/rivetr/pkg/types"
)

// Collector is the periodic stats sampler
type Collector struct {
	store  *store.Store
	rt     runtime.Runtime
	cfg    config.MetricsCollectorConfig
	logger zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCollector creates the metrics collector
func NewCollector(st *store.Store, rt runtime.Runtime, cfg config.MetricsCollectorConfig) *Collector {
	return &Collector{
		store:  st,
		rt:     rt,
		cfg:    cfg,
		logger: log.WithComponent("collector"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the sampling and retention loops
func (c *Collector) Start() {
	interval := time.Duration(c.cfg.IntervalSecs) * time.Second
	cleanupInterval := time.Duration(c.cfg.CleanupIntervalSecs) * time.Second

	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		cleanup := time.NewTicker(cleanupInterval)
		defer cleanup.Stop()
		for {
			select {
			case <-ticker.C:
				c.sample(context.Background())
			case <-cleanup.C:
				c.trim()
			case <-c.stopCh:
				return
			}
		}
	}()
	c.logger.Info().Dur("interval", interval).Msg("Metrics collector started")
}

// Stop terminates the loop
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
	c.logger.Info().Msg("Metrics collector stopped")
}

// sample records one ResourceMetric row per running deployment. A
// failed stats call skips the row; partial batches are expected while
// containers churn.
func (c *Collector) sample(ctx context.Context) {
	deployments, err := c.store.ListDeploymentsByStatus(types.DeploymentRunning)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list running deployments")
		return
	}

	now := time.Now().UTC()
	batch := make([]types.ResourceMetric, 0, len(deployments))
	for i := range deployments {
		dep := &deployments[i]
		if dep.ContainerID == nil {
			continue
		}
		stats, err := c.rt.Stats(ctx, *dep.ContainerID)
		if err != nil {
			metrics.MetricSampleFailuresTotal.Inc()
			logger := log.WithApp(c.logger, dep.AppID)
			logger.Debug().Err(err).Msg("Stats sample failed")
			continue
		}
		// Disk usage is not reported by the engines; the columns stay
		// zero until a real source exists.
		batch = append(batch, types.ResourceMetric{
			AppID:            dep.AppID,
			Timestamp:        now,
			CPUPercent:       stats.CPUPercent,
			MemoryBytes:      stats.MemoryUsage,
			MemoryLimitBytes: stats.MemoryLimit,
		})
	}

	if err := c.store.InsertResourceMetrics(batch); err != nil {
		c.logger.Error().Err(err).Msg("Failed to insert metric batch")
		return
	}
	metrics.MetricSamplesTotal.Add(float64(len(batch)))
}

// trim deletes samples past the retention window
func (c *Collector) trim() {
	cutoff := time.Now().UTC().Add(-time.Duration(c.cfg.RetentionHours) * time.Hour)
	removed, err := c.store.DeleteMetricsBefore(cutoff)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to trim old metrics")
		return
	}
	if removed > 0 {
		c.logger.Debug().Int64("rows", removed).Msg("Trimmed old metric samples")
	}
}
