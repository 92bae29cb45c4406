package cleanup

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivetr/rivetr/pkg/config"
	"github.com/rivetr/rivetr/pkg/log"
	"github.com/rivetr/rivetr/pkg/runtime"
	"github.com/rivetr/rivetr/pkg/store"
	"github.com/rivetr/rivetr/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	m.Run()
}

// fakeRuntime records container and image removals
type fakeRuntime struct {
	runtime.Runtime

	stopped       []string
	removed       []string
	removedImages []string
	pruned        bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{Runtime: runtime.NewNoopRuntime()}
}

func (f *fakeRuntime) Stop(ctx context.Context, containerID string) error {
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, containerID string) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeRuntime) RemoveImage(ctx context.Context, imageTag string) error {
	f.removedImages = append(f.removedImages, imageTag)
	return nil
}

func (f *fakeRuntime) PruneImages(ctx context.Context) (int64, error) {
	f.pruned = true
	return 4096, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedDeployments(t *testing.T, st *store.Store, appID string, n int) []string {
	t.Helper()
	base := time.Now().UTC().Add(-24 * time.Hour)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		containerID := "c" + string(rune('a'+i))
		imageTag := "rivetr-web:" + containerID
		dep := &types.Deployment{
			AppID:       appID,
			Status:      types.DeploymentStopped,
			ContainerID: &containerID,
			ImageTag:    &imageTag,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, st.CreateDeployment(dep))
		require.NoError(t, st.AppendDeploymentLog(dep.ID, types.LogInfo, "build complete"))
		ids = append(ids, dep.ID)
	}
	return ids
}

func TestRunCycleRemovesOldDeployments(t *testing.T) {
	st := newTestStore(t)
	rt := newFakeRuntime()

	app := &types.App{Name: "web", GitURL: "https://example.com/web.git", Branch: "main"}
	require.NoError(t, st.CreateApp(app))
	ids := seedDeployments(t, st, app.ID, 12)

	c := NewCleaner(st, rt, config.CleanupConfig{
		CleanupIntervalSecs:  86400,
		MaxDeploymentsPerApp: 10,
	})
	c.RunCycle(t.Context())

	// The 2 oldest rows are gone, along with their logs
	for _, id := range ids[:2] {
		_, err := st.GetDeployment(id)
		assert.ErrorIs(t, err, store.ErrNotFound)
		logs, err := st.ListDeploymentLogs(id)
		require.NoError(t, err)
		assert.Empty(t, logs)
	}
	for _, id := range ids[2:] {
		_, err := st.GetDeployment(id)
		assert.NoError(t, err)
	}

	// Containers and images of the removed deployments were cleaned up
	assert.ElementsMatch(t, []string{"ca", "cb"}, rt.stopped)
	assert.ElementsMatch(t, []string{"ca", "cb"}, rt.removed)
	assert.ElementsMatch(t, []string{"rivetr-web:ca", "rivetr-web:cb"}, rt.removedImages)
	assert.False(t, rt.pruned)
}

func TestRunCycleUnderThresholdIsNoop(t *testing.T) {
	st := newTestStore(t)
	rt := newFakeRuntime()

	app := &types.App{Name: "web", GitURL: "https://example.com/web.git", Branch: "main"}
	require.NoError(t, st.CreateApp(app))
	seedDeployments(t, st, app.ID, 5)

	c := NewCleaner(st, rt, config.CleanupConfig{
		CleanupIntervalSecs:  86400,
		MaxDeploymentsPerApp: 10,
	})
	c.RunCycle(t.Context())

	deps, err := st.ListDeploymentsByApp(app.ID)
	require.NoError(t, err)
	assert.Len(t, deps, 5)
	assert.Empty(t, rt.removed)
}

func TestRunCyclePruneImages(t *testing.T) {
	st := newTestStore(t)
	rt := newFakeRuntime()

	c := NewCleaner(st, rt, config.CleanupConfig{
		CleanupIntervalSecs:  86400,
		MaxDeploymentsPerApp: 10,
		PruneImages:          true,
	})
	c.RunCycle(t.Context())
	assert.True(t, rt.pruned)
}
