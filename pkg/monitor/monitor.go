// Package monitor watches running workloads and restarts crashed app
// containers with exponential backoff. Managed databases and compose
// services are observed but never auto-restarted; their status is kept
// in parity with the engine.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rivetr/rivetr/pkg/config"
	"github.com/rivetr/rivetr/pkg/log"
	"github.com/rivetr/rivetr/pkg/metrics"
	"github.com/rivetr/rivetr/pkg/notify"
	"github.com/rivetr/rivetr/pkg/runtime"
	"github.com/rivetr/rivetr/pkg/store"
	"github.com/rivetr/rivetr/pkg/types"
)

// maxParallelInspects bounds concurrent runtime calls per tick
const maxParallelInspects = 8

// restartState tracks the backoff ladder for one container. The map it
// lives in is only touched from the monitor goroutine, so no lock is
// needed beyond the one guarding test access.
type restartState struct {
	restartCount   int
	lastRestart    time.Time
	currentBackoff time.Duration
	failed         bool
}

// Monitor is the crash-restart loop
type Monitor struct {
	store      *store.Store
	rt         runtime.Runtime
	compose    *runtime.Compose
	dispatcher *notify.Dispatcher
	cfg        config.ContainerMonitorConfig
	logger     zerolog.Logger

	mu     sync.Mutex
	states map[string]*restartState

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates the container monitor. compose and dispatcher may
// be nil (services unprobed, notifications disabled).
func NewMonitor(st *store.Store, rt runtime.Runtime, compose *runtime.Compose, dispatcher *notify.Dispatcher, cfg config.ContainerMonitorConfig) *Monitor {
	return &Monitor{
		store:      st,
		rt:         rt,
		compose:    compose,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     log.WithComponent("monitor"),
		states:     make(map[string]*restartState),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the tick loop. Reconcile must have been run first.
func (m *Monitor) Start() {
	interval := time.Duration(m.cfg.CheckIntervalSecs) * time.Second
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.tick(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
	m.logger.Info().Dur("interval", interval).Msg("Container monitor started")
}

// Stop terminates the loop and waits for the in-flight tick
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
	m.logger.Info().Msg("Container monitor stopped")
}

// Reconcile brings persisted statuses into parity with the engine. It
// runs to completion before the first tick and before the API starts
// accepting requests: any record claiming to be running whose container
// is absent or stopped flips to stopped.
func (m *Monitor) Reconcile(ctx context.Context) error {
	now := time.Now().UTC()

	deployments, err := m.store.ListDeploymentsByStatus(types.DeploymentRunning)
	if err != nil {
		return fmt.Errorf("failed to list running deployments: %w", err)
	}
	for i := range deployments {
		dep := &deployments[i]
		if dep.ContainerID == nil || !m.containerRunning(ctx, *dep.ContainerID) {
			dep.Status = types.DeploymentStopped
			dep.FinishedAt = &now
			if err := m.store.UpdateDeployment(dep); err != nil {
				return fmt.Errorf("failed to reconcile deployment %s: %w", dep.ID, err)
			}
			m.store.AppendDeploymentLog(dep.ID, types.LogWarn,
				"Container was not running at startup, marking deployment stopped")
			m.logger.Warn().Str("deployment_id", dep.ID).Msg("Reconciled stale running deployment")
		}
	}

	databases, err := m.store.ListDatabasesByStatus(types.DatabaseRunning)
	if err != nil {
		return fmt.Errorf("failed to list running databases: %w", err)
	}
	for i := range databases {
		db := &databases[i]
		if db.ContainerID == nil || !m.containerRunning(ctx, *db.ContainerID) {
			db.Status = types.DatabaseStopped
			db.UpdatedAt = now
			if err := m.store.UpdateDatabase(db); err != nil {
				return fmt.Errorf("failed to reconcile database %s: %w", db.ID, err)
			}
			m.logger.Warn().Str("database", db.Name).Msg("Reconciled stale running database")
		}
	}

	services, err := m.store.ListServicesByStatus(types.ServiceRunning)
	if err != nil {
		return fmt.Errorf("failed to list running services: %w", err)
	}
	for i := range services {
		svc := &services[i]
		if !m.serviceRunning(ctx, svc.Name) {
			svc.Status = types.ServiceStopped
			svc.UpdatedAt = now
			if err := m.store.UpdateService(svc); err != nil {
				return fmt.Errorf("failed to reconcile service %s: %w", svc.ID, err)
			}
			m.logger.Warn().Str("service", svc.Name).Msg("Reconciled stale running service")
		}
	}

	m.logger.Info().Msg("Startup reconciliation complete")
	return nil
}

func (m *Monitor) containerRunning(ctx context.Context, containerID string) bool {
	info, err := m.rt.Inspect(ctx, containerID)
	if err != nil {
		return false
	}
	return info.Running
}

func (m *Monitor) serviceRunning(ctx context.Context, serviceName string) bool {
	if m.compose == nil {
		return false
	}
	running, err := m.compose.PSRunning(ctx, serviceName)
	if err != nil {
		return false
	}
	return running
}

// inspection pairs a deployment with its container state for the
// sequential decision phase.
type inspection struct {
	dep  *types.Deployment
	info *runtime.ContainerInfo
	err  error
}

// tick runs one monitor pass: parallel inspects, then sequential store
// writes and restart decisions.
func (m *Monitor) tick(ctx context.Context) {
	started := time.Now()
	defer func() {
		metrics.MonitorTickDuration.Observe(time.Since(started).Seconds())
	}()

	deployments, err := m.store.ListDeploymentsByStatus(types.DeploymentRunning)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list running deployments")
		return
	}
	metrics.DeploymentsRunning.Set(float64(len(deployments)))

	results := make([]inspection, len(deployments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelInspects)
	for i := range deployments {
		g.Go(func() error {
			dep := &deployments[i]
			results[i].dep = dep
			if dep.ContainerID == nil {
				results[i].err = runtime.ErrContainerNotFound
				return nil
			}
			results[i].info, results[i].err = m.rt.Inspect(gctx, *dep.ContainerID)
			return nil
		})
	}
	g.Wait()

	for i := range results {
		m.handleDeployment(ctx, results[i])
	}
	m.pruneStates(deployments)

	m.checkDatabases(ctx)
	m.checkServices(ctx)
}

// handleDeployment applies the restart policy to one inspected deployment
func (m *Monitor) handleDeployment(ctx context.Context, r inspection) {
	dep := r.dep
	logger := log.WithDeployment(log.WithApp(m.logger, dep.AppID), dep.ID)

	if r.err != nil {
		if errors.Is(r.err, runtime.ErrContainerNotFound) {
			m.failDeployment(dep, "Container not found")
			logger.Error().Msg("Container not found, marking deployment failed")
		} else {
			logger.Warn().Err(r.err).Msg("Inspect failed, skipping container this tick")
		}
		return
	}

	key := *dep.ContainerID
	logger = log.WithContainer(logger, key)
	now := time.Now().UTC()

	if r.info.Running {
		m.mu.Lock()
		state, ok := m.states[key]
		if ok && !state.failed && now.Sub(state.lastRestart) >= m.stableDuration() {
			delete(m.states, key)
			logger.Info().Int("restarts", state.restartCount).Msg("Container stable, restart state reset")
		}
		m.mu.Unlock()
		return
	}

	// Crashed.
	m.mu.Lock()
	state, ok := m.states[key]
	if !ok {
		state = &restartState{currentBackoff: m.initialBackoff()}
		m.states[key] = state
	}
	m.mu.Unlock()

	if state.failed {
		return
	}

	if state.restartCount >= m.cfg.MaxRestartAttempts {
		state.failed = true
		reason := fmt.Sprintf("Exceeded maximum restart attempts (%d)", m.cfg.MaxRestartAttempts)
		m.failDeployment(dep, reason)
		logger.Error().Int("attempts", state.restartCount).Msg("Exceeded maximum restart attempts")
		m.emit(dep, notify.EventRestartExhausted, reason, notify.SeverityCritical)
		return
	}

	if !state.lastRestart.IsZero() && now.Sub(state.lastRestart) < state.currentBackoff {
		return // still inside the backoff window
	}

	attempt := state.restartCount + 1
	err := m.rt.Start(ctx, *dep.ContainerID)

	nextBackoff := state.currentBackoff * 2
	if maxBackoff := m.maxBackoff(); nextBackoff > maxBackoff {
		nextBackoff = maxBackoff
	}

	if err != nil {
		state.currentBackoff = nextBackoff
		metrics.ContainerRestartsTotal.WithLabelValues("failure").Inc()
		logger.Error().Err(err).Int("attempt", attempt).Msg("Container restart failed")
	} else {
		state.restartCount++
		state.lastRestart = now
		state.currentBackoff = nextBackoff
		metrics.ContainerRestartsTotal.WithLabelValues("success").Inc()
		logger.Warn().Int("attempt", attempt).Msg("Restarted crashed container")
		m.emit(dep, notify.EventDeploymentCrashed,
			fmt.Sprintf("Container crashed, restarted (attempt %d/%d)", attempt, m.cfg.MaxRestartAttempts),
			notify.SeverityWarning)
	}

	m.store.AppendDeploymentLog(dep.ID, types.LogWarn,
		fmt.Sprintf("Container crashed, attempting restart %d/%d (next backoff %s)",
			attempt, m.cfg.MaxRestartAttempts, nextBackoff))
}

// pruneStates drops restart tracking for containers that no longer back
// a running deployment, so redeploy churn cannot grow the map.
func (m *Monitor) pruneStates(deployments []types.Deployment) {
	live := make(map[string]struct{}, len(deployments))
	for i := range deployments {
		if deployments[i].ContainerID != nil {
			live[*deployments[i].ContainerID] = struct{}{}
		}
	}
	m.mu.Lock()
	for key := range m.states {
		if _, ok := live[key]; !ok {
			delete(m.states, key)
		}
	}
	m.mu.Unlock()
}

// failDeployment flips a deployment to failed with the given reason
func (m *Monitor) failDeployment(dep *types.Deployment, reason string) {
	now := time.Now().UTC()
	dep.Status = types.DeploymentFailed
	dep.ErrorMessage = &reason
	dep.FinishedAt = &now
	if err := m.store.UpdateDeployment(dep); err != nil {
		m.logger.Error().Err(err).Str("deployment_id", dep.ID).Msg("Failed to persist deployment failure")
		return
	}
	m.store.AppendDeploymentLog(dep.ID, types.LogError, reason)
	metrics.DeploymentsFailedTotal.Inc()
}

// checkDatabases keeps database statuses in parity with the engine.
// Databases are never auto-restarted; an operator decides.
func (m *Monitor) checkDatabases(ctx context.Context) {
	databases, err := m.store.ListDatabasesByStatus(types.DatabaseRunning)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list running databases")
		return
	}
	for i := range databases {
		db := &databases[i]
		if db.ContainerID == nil {
			continue
		}
		info, err := m.rt.Inspect(ctx, *db.ContainerID)
		now := time.Now().UTC()
		if err != nil {
			if errors.Is(err, runtime.ErrContainerNotFound) {
				db.Status = types.DatabaseFailed
				db.UpdatedAt = now
				m.store.UpdateDatabase(db)
				m.logger.Error().Str("database", db.Name).Msg("Database container not found")
			}
			continue
		}
		if !info.Running {
			db.Status = types.DatabaseStopped
			db.UpdatedAt = now
			m.store.UpdateDatabase(db)
			m.logger.Warn().Str("database", db.Name).Msg("Database container stopped")
		}
	}
}

// checkServices probes compose stacks and records stopped ones
func (m *Monitor) checkServices(ctx context.Context) {
	if m.compose == nil {
		return
	}
	services, err := m.store.ListServicesByStatus(types.ServiceRunning)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list running services")
		return
	}
	for i := range services {
		svc := &services[i]
		running, err := m.compose.PSRunning(ctx, svc.Name)
		if err != nil {
			m.logger.Warn().Err(err).Str("service", svc.Name).Msg("Compose probe failed")
			continue
		}
		if !running {
			svc.Status = types.ServiceStopped
			svc.UpdatedAt = time.Now().UTC()
			m.store.UpdateService(svc)
			m.logger.Warn().Str("service", svc.Name).Msg("Service stack stopped")
		}
	}
}

// emit hands a deployment event to the dispatcher without blocking
func (m *Monitor) emit(dep *types.Deployment, eventType, message, severity string) {
	if m.dispatcher == nil {
		return
	}
	appName := dep.AppID
	if app, err := m.store.GetApp(dep.AppID); err == nil {
		appName = app.Name
	}
	err := m.dispatcher.Enqueue(notify.Event{
		Type:     eventType,
		AppID:    dep.AppID,
		AppName:  appName,
		Status:   "firing",
		Severity: severity,
		Message:  message,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("app_id", dep.AppID).Msg("Dropped monitor notification")
	}
}

func (m *Monitor) initialBackoff() time.Duration {
	return time.Duration(m.cfg.InitialBackoffSecs) * time.Second
}

func (m *Monitor) maxBackoff() time.Duration {
	return time.Duration(m.cfg.MaxBackoffSecs) * time.Second
}

func (m *Monitor) stableDuration() time.Duration {
	return time.Duration(m.cfg.StableDurationSecs) * time.Second
}
