// Package cleanup bounds per-app deployment history and garbage-collects
// the containers and images of deployments past the retention window.
package cleanup

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivetr/rivetr/pkg/config"
	"github.com/rivetr/rivetr/pkg/log"
	"github.com/rivetr/rivetr/pkg/metrics"
	"github.com/rivetr/rivetr/pkg/runtime"
	"github.com/rivetr/rivetr/pkg/store"
)

// Cleaner is the deployment retention loop
type Cleaner struct {
	store  *store.Store
	rt     runtime.Runtime
	cfg    config.CleanupConfig
	logger zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCleaner creates the deployment cleaner
func NewCleaner(st *store.Store, rt runtime.Runtime, cfg config.CleanupConfig) *Cleaner {
	return &Cleaner{
		store:  st,
		rt:     rt,
		cfg:    cfg,
		logger: log.WithComponent("cleanup"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the cleanup loop
func (c *Cleaner) Start() {
	interval := time.Duration(c.cfg.CleanupIntervalSecs) * time.Second
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.RunCycle(context.Background())
			case <-c.stopCh:
				return
			}
		}
	}()
	c.logger.Info().Dur("interval", interval).Msg("Deployment cleanup started")
}

// Stop terminates the loop
func (c *Cleaner) Stop() {
	close(c.stopCh)
	<-c.doneCh
	c.logger.Info().Msg("Deployment cleanup stopped")
}

// RunCycle garbage-collects every app's terminal deployments beyond the
// retention threshold, then optionally prunes dangling images.
func (c *Cleaner) RunCycle(ctx context.Context) {
	apps, err := c.store.ListApps()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list apps")
		return
	}

	removed := 0
	for i := range apps {
		removed += c.cleanApp(ctx, apps[i].ID)
	}
	if removed > 0 {
		c.logger.Info().Int("deployments", removed).Msg("Cleanup cycle removed old deployments")
	}

	if c.cfg.PruneImages {
		reclaimed, err := c.rt.PruneImages(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Image prune failed")
		} else {
			c.logger.Info().Int64("bytes_reclaimed", reclaimed).Msg("Pruned dangling images")
		}
	}
}

// cleanApp removes one app's terminal deployments past the most recent
// max_deployments_per_app entries, returning how many were deleted.
func (c *Cleaner) cleanApp(ctx context.Context, appID string) int {
	old, err := c.store.TerminalDeploymentsBeyond(appID, c.cfg.MaxDeploymentsPerApp)
	if err != nil {
		c.logger.Error().Err(err).Str("app_id", appID).Msg("Failed to select deployments for cleanup")
		return 0
	}

	removed := 0
	for i := range old {
		dep := &old[i]
		logger := c.logger.With().Str("app_id", appID).Str("deployment_id", dep.ID).Logger()

		// Stop/Remove treat an absent container as success.
		if dep.ContainerID != nil {
			if err := c.rt.Stop(ctx, *dep.ContainerID); err != nil {
				logger.Warn().Err(err).Msg("Failed to stop old container")
			}
			if err := c.rt.Remove(ctx, *dep.ContainerID); err != nil {
				logger.Warn().Err(err).Msg("Failed to remove old container")
			}
		}

		// An in-use image stays; a later cycle picks it up once nothing
		// references it.
		if dep.ImageTag != nil {
			if err := c.rt.RemoveImage(ctx, *dep.ImageTag); err != nil {
				logger.Debug().Err(err).Msg("Image not removed")
			}
		}

		if err := c.store.DeleteDeploymentLogs(dep.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to delete deployment logs")
			continue
		}
		if err := c.store.DeleteDeployment(dep.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to delete deployment row")
			continue
		}
		metrics.DeploymentsCleanedTotal.Inc()
		removed++
	}
	return removed
}
