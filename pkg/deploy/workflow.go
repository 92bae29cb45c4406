package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivetr/rivetr/pkg/log"
	"github.com/rivetr/rivetr/pkg/metrics"
	"github.com/rivetr/rivetr/pkg/notify"
	"github.com/rivetr/rivetr/pkg/runtime"
	"github.com/rivetr/rivetr/pkg/secrets"
	"github.com/rivetr/rivetr/pkg/store"
	"github.com/rivetr/rivetr/pkg/types"
)

// readinessGrace is how long a freshly started container gets before the
// checking gate inspects it.
const readinessGrace = 5 * time.Second

// Workflow runs deployments end to end: clone, build, run, readiness
// check. Failures are persisted on the Deployment row; the workflow
// never panics on a bad app.
type Workflow struct {
	store      *store.Store
	rt         runtime.Runtime
	sealer     *secrets.Sealer
	dispatcher *notify.Dispatcher
	dataDir    string
	logger     zerolog.Logger

	// grace is overridable in tests
	grace time.Duration
}

// NewWorkflow wires the deploy workflow
func NewWorkflow(st *store.Store, rt runtime.Runtime, sealer *secrets.Sealer, dispatcher *notify.Dispatcher, dataDir string) *Workflow {
	return &Workflow{
		store:      st,
		rt:         rt,
		sealer:     sealer,
		dispatcher: dispatcher,
		dataDir:    dataDir,
		logger:     log.WithComponent("deploy"),
		grace:      readinessGrace,
	}
}

// Run executes a full deployment for an app and returns the resulting
// Deployment row. On failure the row is persisted as failed with the
// error message, and the error is also returned for the caller's log.
func (w *Workflow) Run(ctx context.Context, app *types.App) (*types.Deployment, error) {
	if err := w.stopPrior(ctx, app); err != nil {
		return nil, err
	}

	dep := &types.Deployment{
		AppID:  app.ID,
		Status: types.DeploymentPending,
	}
	if err := w.store.CreateDeployment(dep); err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}
	logger := log.WithDeployment(log.WithApp(w.logger, app.ID), dep.ID)
	logger.Info().Str("app", app.Name).Msg("Deployment started")

	workDir := filepath.Join(w.dataDir, "builds", dep.ID)
	defer os.RemoveAll(workDir)

	if err := w.clone(ctx, app, dep, workDir); err != nil {
		return dep, w.fail(app, dep, err)
	}
	if err := w.build(ctx, app, dep, workDir); err != nil {
		return dep, w.fail(app, dep, err)
	}
	if err := w.start(ctx, app, dep); err != nil {
		return dep, w.fail(app, dep, err)
	}
	if err := w.check(ctx, app, dep); err != nil {
		return dep, w.fail(app, dep, err)
	}

	w.runHooks(ctx, app, dep, app.PostDeployCommands, "post-deploy")
	ctrLogger := log.WithContainer(logger, *dep.ContainerID)
	ctrLogger.Info().Msg("Deployment running")
	w.emit(app, notify.EventDeploymentSucceeded, "")
	return dep, nil
}

// stopPrior enforces at-most-one active deployment per app by stopping
// the previous running deployment before a new one begins.
func (w *Workflow) stopPrior(ctx context.Context, app *types.App) error {
	prior, err := w.store.ActiveDeployment(app.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to look up active deployment: %w", err)
	}
	if prior.Status != types.DeploymentRunning {
		return fmt.Errorf("app %s already has a deployment in progress (%s)", app.Name, prior.Status)
	}

	if prior.ContainerID != nil {
		if err := w.rt.Stop(ctx, *prior.ContainerID); err != nil {
			w.logger.Warn().Err(err).Str("app", app.Name).Msg("Failed to stop prior container")
		}
	}
	return Transition(w.store, prior, types.DeploymentStopped, types.LogInfo,
		"Stopped to make way for a new deployment")
}

// clone performs a shallow git clone of the app's branch and records the
// commit SHA.
func (w *Workflow) clone(ctx context.Context, app *types.App, dep *types.Deployment, workDir string) error {
	if err := Transition(w.store, dep, types.DeploymentCloning, types.LogInfo,
		fmt.Sprintf("Cloning %s (branch %s)", app.GitURL, app.Branch)); err != nil {
		return err
	}

	branch := app.Branch
	if branch == "" {
		branch = "main"
	}
	if out, err := gitCommand(ctx, "", "clone", "--depth", "1", "--branch", branch, app.GitURL, workDir); err != nil {
		return fmt.Errorf("git clone failed: %s", firstLine(out, err))
	}

	if out, err := gitCommand(ctx, workDir, "rev-parse", "HEAD"); err == nil {
		sha := strings.TrimSpace(string(out))
		dep.CommitSHA = &sha
	}
	return nil
}

// build produces the deployment image rivetr-<app>:<deployment-id[:12]>
func (w *Workflow) build(ctx context.Context, app *types.App, dep *types.Deployment, workDir string) error {
	tag := fmt.Sprintf("%s:%s", runtime.AppContainerName(app.Name), dep.ID[:12])
	if err := Transition(w.store, dep, types.DeploymentBuilding, types.LogInfo,
		fmt.Sprintf("Building image %s", tag)); err != nil {
		return err
	}

	built, err := w.rt.Build(ctx, runtime.BuildOptions{
		ContextPath: workDir,
		Dockerfile:  app.Dockerfile,
		Tag:         tag,
		CPULimit:    app.CPULimit,
		MemoryLimit: app.MemoryLimitMB * 1024 * 1024,
	})
	if err != nil {
		return err
	}
	dep.ImageTag = &built
	return nil
}

// start replaces the app container with one running the new image
func (w *Workflow) start(ctx context.Context, app *types.App, dep *types.Deployment) error {
	if err := Transition(w.store, dep, types.DeploymentStarting, types.LogInfo,
		"Starting container"); err != nil {
		return err
	}

	name := runtime.AppContainerName(app.Name)

	// The prior deployment's container holds the name; both calls are
	// soft successes when it is already gone.
	if err := w.rt.Stop(ctx, name); err != nil {
		return fmt.Errorf("failed to stop existing container: %w", err)
	}
	if err := w.rt.Remove(ctx, name); err != nil {
		return fmt.Errorf("failed to remove existing container: %w", err)
	}

	env, err := w.buildEnv(app)
	if err != nil {
		return err
	}
	ports, err := w.portBindings(app)
	if err != nil {
		return err
	}
	mounts, err := w.mounts(app)
	if err != nil {
		return err
	}

	containerID, err := w.rt.Run(ctx, runtime.RunOptions{
		Image:        *dep.ImageTag,
		Name:         name,
		Env:          env,
		PortBindings: ports,
		Mounts:       mounts,
		MemoryLimit:  app.MemoryLimitMB * 1024 * 1024,
		CPULimit:     app.CPULimit,
		Labels: map[string]string{
			"rivetr.app_id":        app.ID,
			"rivetr.deployment_id": dep.ID,
		},
	})
	if err != nil {
		return err
	}
	dep.ContainerID = &containerID

	w.runHooks(ctx, app, dep, app.PreDeployCommands, "pre-deploy")
	return nil
}

// check gates the running transition on the container surviving the
// readiness grace period.
func (w *Workflow) check(ctx context.Context, app *types.App, dep *types.Deployment) error {
	if err := Transition(w.store, dep, types.DeploymentChecking, types.LogInfo,
		"Waiting for container readiness"); err != nil {
		return err
	}

	select {
	case <-time.After(w.grace):
	case <-ctx.Done():
		return ctx.Err()
	}

	info, err := w.rt.Inspect(ctx, *dep.ContainerID)
	if err != nil {
		return fmt.Errorf("readiness inspect failed: %w", err)
	}
	if !info.Running {
		return fmt.Errorf("container exited during readiness check (status %s)", info.Status)
	}

	return Transition(w.store, dep, types.DeploymentRunning, types.LogInfo,
		"Deployment is running")
}

// runHooks executes the app's pre/post-deploy commands inside the
// container. Hook failures are logged on the deployment but do not fail
// it.
func (w *Workflow) runHooks(ctx context.Context, app *types.App, dep *types.Deployment, commandsJSON, phase string) {
	commands := parseCommandList(commandsJSON)
	for _, command := range commands {
		result, err := w.rt.RunCommand(ctx, *dep.ContainerID, []string{"sh", "-c", command})
		if err != nil {
			w.store.AppendDeploymentLog(dep.ID, types.LogWarn,
				fmt.Sprintf("%s command failed: %s: %v", phase, command, err))
			continue
		}
		if result.ExitCode != 0 {
			w.store.AppendDeploymentLog(dep.ID, types.LogWarn,
				fmt.Sprintf("%s command exited %d: %s", phase, result.ExitCode, command))
			continue
		}
		w.store.AppendDeploymentLog(dep.ID, types.LogInfo,
			fmt.Sprintf("%s command succeeded: %s", phase, command))
	}
}

// fail persists the failed state with the error message and notifies
func (w *Workflow) fail(app *types.App, dep *types.Deployment, cause error) error {
	msg := cause.Error()
	dep.ErrorMessage = &msg
	if err := Transition(w.store, dep, types.DeploymentFailed, types.LogError, msg); err != nil {
		w.logger.Error().Err(err).Str("deployment_id", dep.ID).Msg("Failed to persist deployment failure")
	}
	metrics.DeploymentsFailedTotal.Inc()
	w.emit(app, notify.EventDeploymentFailed, msg)
	w.logger.Error().Err(cause).Str("app", app.Name).Str("deployment_id", dep.ID).Msg("Deployment failed")
	return cause
}

// emit hands a deployment event to the dispatcher without blocking
func (w *Workflow) emit(app *types.App, eventType, message string) {
	if w.dispatcher == nil {
		return
	}
	err := w.dispatcher.Enqueue(notify.Event{
		Type:     eventType,
		AppID:    app.ID,
		AppName:  app.Name,
		Status:   "firing",
		Severity: notify.SeverityInfo,
		Message:  message,
	})
	if err != nil {
		w.logger.Warn().Err(err).Str("app", app.Name).Msg("Dropped deployment notification")
	}
}

// buildEnv assembles KEY=VALUE pairs, decrypting secret values
func (w *Workflow) buildEnv(app *types.App) ([]string, error) {
	vars, err := w.store.ListEnvVars(app.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list env vars: %w", err)
	}
	env := make([]string, 0, len(vars)+1)
	for _, v := range vars {
		value := v.Value
		if v.IsSecret {
			value, err = w.sealer.Open(v.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt env var %s: %w", v.Key, err)
			}
		}
		env = append(env, v.Key+"="+value)
	}
	env = append(env, fmt.Sprintf("PORT=%d", app.Port))
	return env, nil
}

// portBindings parses the app's port mappings; an empty list falls back
// to publishing the app port on an engine-assigned host port.
func (w *Workflow) portBindings(app *types.App) ([]runtime.PortBinding, error) {
	var mappings []types.PortMapping
	if app.PortMappingsJSON != "" && app.PortMappingsJSON != "[]" {
		if err := json.Unmarshal([]byte(app.PortMappingsJSON), &mappings); err != nil {
			return nil, fmt.Errorf("invalid port mappings: %w", err)
		}
	}
	if len(mappings) == 0 && app.Port > 0 {
		mappings = []types.PortMapping{{ContainerPort: app.Port}}
	}
	bindings := make([]runtime.PortBinding, 0, len(mappings))
	for _, m := range mappings {
		bindings = append(bindings, runtime.PortBinding{
			HostPort:      m.HostPort,
			ContainerPort: m.ContainerPort,
			Protocol:      m.Protocol,
		})
	}
	return bindings, nil
}

// mounts converts the app's volumes to runtime mounts
func (w *Workflow) mounts(app *types.App) ([]runtime.Mount, error) {
	volumes, err := w.store.ListVolumes(app.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	mounts := make([]runtime.Mount, 0, len(volumes))
	for _, v := range volumes {
		source := v.HostPath
		if source == "" {
			source = v.Name
		}
		mounts = append(mounts, runtime.Mount{
			Source:   source,
			Target:   v.ContainerPath,
			ReadOnly: v.ReadOnly,
		})
	}
	return mounts, nil
}

// parseCommandList parses a JSON array of shell commands; malformed or
// empty input yields no commands.
func parseCommandList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var commands []string
	if err := json.Unmarshal([]byte(raw), &commands); err != nil {
		return nil
	}
	return commands
}

// gitCommand runs git with combined output captured for error reporting
func gitCommand(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// firstLine extracts the most useful line from git output for the error
// message, falling back to the raw error.
func firstLine(out []byte, err error) string {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "fatal:") || strings.HasPrefix(line, "error:") {
			return line
		}
	}
	trimmed := strings.TrimSpace(string(out))
	if trimmed != "" {
		return trimmed
	}
	return err.Error()
}
