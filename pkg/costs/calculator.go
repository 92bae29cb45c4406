// Package costs turns collected resource metrics into per-app daily
// cost snapshots using administrator-editable monthly rates.
package costs

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivetr/rivetr/pkg/config"
	"github.com/rivetr/rivetr/pkg/log"
	"github.com/rivetr/rivetr/pkg/store"
	"github.com/rivetr/rivetr/pkg/types"
)

const (
	// daysPerMonth converts monthly rates to daily rates
	daysPerMonth = 30

	// bytesPerGiB converts averaged byte counts to GiB
	bytesPerGiB = float64(1 << 30)
)

// Calculator is the hourly cost snapshot loop
type Calculator struct {
	store  *store.Store
	cfg    config.CostConfig
	logger zerolog.Logger

	yesterdayDone bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCalculator creates the cost calculator
func NewCalculator(st *store.Store, cfg config.CostConfig) *Calculator {
	return &Calculator{
		store:  st,
		cfg:    cfg,
		logger: log.WithComponent("costs"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start computes the startup snapshots, then runs the hourly loop
func (c *Calculator) Start() {
	interval := time.Duration(c.cfg.IntervalSecs) * time.Second
	go func() {
		defer close(c.doneCh)

		c.run()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.run()
			case <-c.stopCh:
				return
			}
		}
	}()
	c.logger.Info().Dur("interval", interval).Msg("Cost calculator started")
}

// Stop terminates the loop
func (c *Calculator) Stop() {
	close(c.stopCh)
	<-c.doneCh
	c.logger.Info().Msg("Cost calculator stopped")
}

// run refreshes today's snapshot, computes yesterday once per process
// lifetime, and prunes old snapshots on Sundays.
func (c *Calculator) run() {
	now := time.Now().UTC()

	if !c.yesterdayDone {
		yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")
		if err := c.ComputeDate(yesterday); err != nil {
			c.logger.Error().Err(err).Str("date", yesterday).Msg("Failed to compute cost snapshots")
		} else {
			c.yesterdayDone = true
		}
	}

	today := now.Format("2006-01-02")
	if err := c.ComputeDate(today); err != nil {
		c.logger.Error().Err(err).Str("date", today).Msg("Failed to compute cost snapshots")
	}

	if now.Weekday() == time.Sunday {
		cutoff := now.AddDate(0, 0, -c.cfg.RetentionDays).Format("2006-01-02")
		removed, err := c.store.DeleteCostSnapshotsBefore(cutoff)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to prune old cost snapshots")
		} else if removed > 0 {
			c.logger.Info().Int64("rows", removed).Msg("Pruned old cost snapshots")
		}
	}
}

// ComputeDate upserts a snapshot for every app that has metric samples
// on the given date (YYYY-MM-DD).
func (c *Calculator) ComputeDate(date string) error {
	rates, err := c.store.ListCostRates()
	if err != nil {
		return fmt.Errorf("failed to load cost rates: %w", err)
	}

	appIDs, err := c.store.MetricAppIDsOnDate(date)
	if err != nil {
		return fmt.Errorf("failed to list apps with metrics: %w", err)
	}

	for _, appID := range appIDs {
		agg, err := c.store.AggregateMetricsForDate(appID, date)
		if err != nil {
			return fmt.Errorf("failed to aggregate metrics for %s: %w", appID, err)
		}
		if agg.SampleCount == 0 {
			continue
		}

		snapshot := buildSnapshot(appID, date, agg, rates)
		if err := c.store.UpsertCostSnapshot(snapshot); err != nil {
			return fmt.Errorf("failed to upsert snapshot for %s: %w", appID, err)
		}
	}
	return nil
}

// buildSnapshot converts averaged raw usage into daily costs
func buildSnapshot(appID, date string, agg *store.MetricAggregate, rates map[types.ResourceType]float64) *types.CostSnapshot {
	cpuCores := agg.AvgCPUPercent / 100
	memoryGB := agg.AvgMemoryBytes / bytesPerGiB
	diskGB := agg.AvgDiskBytes / bytesPerGiB

	cpuCost := cpuCores * rates[types.ResourceCPU] / daysPerMonth
	memoryCost := memoryGB * rates[types.ResourceMemory] / daysPerMonth
	diskCost := diskGB * rates[types.ResourceDisk] / daysPerMonth

	return &types.CostSnapshot{
		AppID:        appID,
		SnapshotDate: date,
		AvgCPUCores:  cpuCores,
		AvgMemoryGB:  memoryGB,
		AvgDiskGB:    diskGB,
		CPUCost:      cpuCost,
		MemoryCost:   memoryCost,
		DiskCost:     diskCost,
		TotalCost:    cpuCost + memoryCost + diskCost,
		SampleCount:  agg.SampleCount,
	}
}
