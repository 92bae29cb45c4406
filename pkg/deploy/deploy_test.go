package deploy

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivetr/rivetr/pkg/log"
	"github.com/rivetr/rivetr/pkg/store"
	"github.com/rivetr/rivetr/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	m.Run()
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from types.DeploymentStatus
		to   types.DeploymentStatus
		want bool
	}{
		{types.DeploymentPending, types.DeploymentCloning, true},
		{types.DeploymentCloning, types.DeploymentBuilding, true},
		{types.DeploymentBuilding, types.DeploymentStarting, true},
		{types.DeploymentStarting, types.DeploymentChecking, true},
		{types.DeploymentChecking, types.DeploymentRunning, true},
		{types.DeploymentRunning, types.DeploymentStopped, true},
		{types.DeploymentPending, types.DeploymentFailed, true},
		{types.DeploymentChecking, types.DeploymentFailed, true},
		{types.DeploymentRunning, types.DeploymentFailed, true},

		// No skipping, no resurrection
		{types.DeploymentPending, types.DeploymentRunning, false},
		{types.DeploymentCloning, types.DeploymentStarting, false},
		{types.DeploymentStopped, types.DeploymentRunning, false},
		{types.DeploymentFailed, types.DeploymentPending, false},
		{types.DeploymentFailed, types.DeploymentFailed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTransitionPersistsAndLogs(t *testing.T) {
	st := newTestStore(t)
	dep := &types.Deployment{AppID: "app-1", Status: types.DeploymentPending}
	require.NoError(t, st.CreateDeployment(dep))

	require.NoError(t, Transition(st, dep, types.DeploymentCloning, types.LogInfo, "Cloning repository"))
	assert.Equal(t, types.DeploymentCloning, dep.Status)
	assert.Nil(t, dep.FinishedAt)

	got, err := st.GetDeployment(dep.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentCloning, got.Status)

	logs, err := st.ListDeploymentLogs(dep.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Cloning repository", logs[0].Message)
}

func TestTransitionTerminalSetsFinishedAt(t *testing.T) {
	st := newTestStore(t)
	dep := &types.Deployment{AppID: "app-1", Status: types.DeploymentChecking}
	require.NoError(t, st.CreateDeployment(dep))

	require.NoError(t, Transition(st, dep, types.DeploymentFailed, types.LogError, "container exited"))
	require.NotNil(t, dep.FinishedAt)

	got, err := st.GetDeployment(dep.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentFailed, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestTransitionRejectsInvalidMove(t *testing.T) {
	st := newTestStore(t)
	dep := &types.Deployment{AppID: "app-1", Status: types.DeploymentPending}
	require.NoError(t, st.CreateDeployment(dep))

	err := Transition(st, dep, types.DeploymentRunning, types.LogInfo, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid deployment transition")
	assert.Equal(t, types.DeploymentPending, dep.Status)
}

func TestStopPriorRejectsInFlightDeployment(t *testing.T) {
	st := newTestStore(t)
	app := &types.App{Name: "web", GitURL: "https://example.com/web.git", Branch: "main"}
	require.NoError(t, st.CreateApp(app))
	require.NoError(t, st.CreateDeployment(&types.Deployment{
		AppID: app.ID, Status: types.DeploymentBuilding}))

	w := NewWorkflow(st, nil, nil, nil, t.TempDir())
	err := w.stopPrior(t.Context(), app)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a deployment in progress")
}

func TestBuildEnvDecryptsSecrets(t *testing.T) {
	st := newTestStore(t)
	app := &types.App{Name: "web", GitURL: "https://example.com/web.git", Branch: "main", Port: 8080}
	require.NoError(t, st.CreateApp(app))
	require.NoError(t, st.UpsertEnvVar(&types.EnvVar{AppID: app.ID, Key: "DB_URL", Value: "postgres://db"}))
	require.NoError(t, st.UpsertEnvVar(&types.EnvVar{AppID: app.ID, Key: "API_KEY", Value: "plain-stored", IsSecret: true}))

	// nil sealer passes non-enveloped values through unchanged
	w := NewWorkflow(st, nil, nil, nil, t.TempDir())
	env, err := w.buildEnv(app)
	require.NoError(t, err)

	assert.Contains(t, env, "DB_URL=postgres://db")
	assert.Contains(t, env, "API_KEY=plain-stored")
	assert.Equal(t, "PORT=8080", env[len(env)-1])
}

func TestPortBindings(t *testing.T) {
	st := newTestStore(t)
	w := NewWorkflow(st, nil, nil, nil, t.TempDir())

	// Explicit mappings win
	app := &types.App{Port: 8080, PortMappingsJSON: `[{"host_port":80,"container_port":8080,"protocol":"tcp"}]`}
	bindings, err := w.portBindings(app)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, 80, bindings[0].HostPort)
	assert.Equal(t, 8080, bindings[0].ContainerPort)

	// Empty mappings fall back to the app port
	app = &types.App{Port: 3000, PortMappingsJSON: "[]"}
	bindings, err = w.portBindings(app)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Zero(t, bindings[0].HostPort)
	assert.Equal(t, 3000, bindings[0].ContainerPort)

	_, err = w.portBindings(&types.App{PortMappingsJSON: "not json"})
	assert.Error(t, err)
}

func TestParseCommandList(t *testing.T) {
	assert.Nil(t, parseCommandList(""))
	assert.Nil(t, parseCommandList("[]"))
	assert.Nil(t, parseCommandList("not json"))
	assert.Equal(t, []string{"rake db:migrate", "rake assets:precompile"},
		parseCommandList(`["rake db:migrate","rake assets:precompile"]`))
}

func TestFirstLine(t *testing.T) {
	out := []byte("Cloning into 'work'...\nfatal: Remote branch release not found\n")
	assert.Equal(t, "fatal: Remote branch release not found", firstLine(out, errors.New("exit status 128")))

	assert.Equal(t, "some output", firstLine([]byte("some output\n"), errors.New("exit status 1")))
	assert.Equal(t, "exit status 1", firstLine(nil, fmt.Errorf("exit status 1")))
}
