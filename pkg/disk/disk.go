// Package disk watches the filesystem holding data_dir and warns when
// usage crosses the configured thresholds.
package disk

import (
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivetr/rivetr/pkg/config"
	"github.com/rivetr/rivetr/pkg/log"
	"github.com/rivetr/rivetr/pkg/metrics"
)

// Monitor samples data_dir filesystem usage into a prometheus gauge
type Monitor struct {
	dataDir string
	cfg     config.DiskMonitorConfig
	logger  zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates the disk monitor
func NewMonitor(dataDir string, cfg config.DiskMonitorConfig) *Monitor {
	return &Monitor{
		dataDir: dataDir,
		cfg:     cfg,
		logger:  log.WithComponent("disk"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the check loop
func (m *Monitor) Start() {
	interval := time.Duration(m.cfg.CheckIntervalSecs) * time.Second
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.check()
			case <-m.stopCh:
				return
			}
		}
	}()
	m.logger.Info().Dur("interval", interval).Msg("Disk monitor started")
}

// Stop terminates the loop
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
	m.logger.Info().Msg("Disk monitor stopped")
}

// check samples usage and logs threshold crossings
func (m *Monitor) check() {
	usage, err := UsagePercent(m.dataDir)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", m.dataDir).Msg("Failed to stat data dir filesystem")
		return
	}
	metrics.DataDirUsagePercent.Set(usage)

	switch {
	case usage >= m.cfg.CriticalThreshold:
		m.logger.Error().Float64("usage_percent", usage).Msg("Data dir filesystem critically full")
	case usage >= m.cfg.WarningThreshold:
		m.logger.Warn().Float64("usage_percent", usage).Msg("Data dir filesystem filling up")
	}
}

// UsagePercent returns the used fraction of the filesystem holding path
func UsagePercent(path string) (float64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	total := st.Blocks * uint64(st.Bsize)
	if total == 0 {
		return 0, nil
	}
	free := st.Bavail * uint64(st.Bsize)
	used := total - free
	return float64(used) / float64(total) * 100, nil
}
