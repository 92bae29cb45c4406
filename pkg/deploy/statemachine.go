// Package deploy implements the deployment state machine and the
// workflow that takes an app from source to a running container.
package deploy

import (
	"fmt"
	"time"

	"github.com/rivetr/rivetr/pkg/store"
	"github.com/rivetr/rivetr/pkg/types"
)

// transitions is the allowed state graph. Every non-terminal state may
// fail; stopped is reachable only from running (user stop or startup
// reconciliation).
var transitions = map[types.DeploymentStatus][]types.DeploymentStatus{
	types.DeploymentPending:  {types.DeploymentCloning, types.DeploymentFailed},
	types.DeploymentCloning:  {types.DeploymentBuilding, types.DeploymentFailed},
	types.DeploymentBuilding: {types.DeploymentStarting, types.DeploymentFailed},
	types.DeploymentStarting: {types.DeploymentChecking, types.DeploymentFailed},
	types.DeploymentChecking: {types.DeploymentRunning, types.DeploymentFailed},
	types.DeploymentRunning:  {types.DeploymentStopped, types.DeploymentFailed},
}

// CanTransition reports whether the state machine allows from → to
func CanTransition(from, to types.DeploymentStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition advances a deployment to the next state, persists it, and
// appends a deployment log line. Terminal states record finished_at.
func Transition(st *store.Store, dep *types.Deployment, to types.DeploymentStatus, level types.LogLevel, message string) error {
	if !CanTransition(dep.Status, to) {
		return fmt.Errorf("invalid deployment transition: %s -> %s", dep.Status, to)
	}
	dep.Status = to
	if to == types.DeploymentFailed || to == types.DeploymentStopped {
		now := time.Now().UTC()
		dep.FinishedAt = &now
	}
	if err := st.UpdateDeployment(dep); err != nil {
		return fmt.Errorf("failed to persist deployment %s: %w", dep.ID, err)
	}
	if message != "" {
		if err := st.AppendDeploymentLog(dep.ID, level, message); err != nil {
			return fmt.Errorf("failed to append deployment log: %w", err)
		}
	}
	return nil
}
