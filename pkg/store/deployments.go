package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/rivetr/rivetr/pkg/types"
)

// CreateDeployment inserts a new deployment record
func (s *Store) CreateDeployment(d *types.Deployment) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExec(`
		INSERT INTO deployments (id, app_id, commit_sha, status, container_id, image_tag,
			error_message, started_at, finished_at)
		VALUES (:id, :app_id, :commit_sha, :status, :container_id, :image_tag,
			:error_message, :started_at, :finished_at)`, d)
	return err
}

// GetDeployment retrieves a deployment by ID
func (s *Store) GetDeployment(id string) (*types.Deployment, error) {
	var d types.Deployment
	err := s.db.Get(&d, `SELECT * FROM deployments WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// ListDeploymentsByApp returns an app's deployments, newest first
func (s *Store) ListDeploymentsByApp(appID string) ([]types.Deployment, error) {
	var deps []types.Deployment
	err := s.db.Select(&deps,
		`SELECT * FROM deployments WHERE app_id = ? ORDER BY started_at DESC`, appID)
	return deps, err
}

// ListDeploymentsByStatus returns all deployments in a given status
func (s *Store) ListDeploymentsByStatus(status types.DeploymentStatus) ([]types.Deployment, error) {
	var deps []types.Deployment
	err := s.db.Select(&deps, `SELECT * FROM deployments WHERE status = ?`, status)
	return deps, err
}

// ActiveDeployment returns the app's deployment in a non-terminal status or
// in status running, if any. ErrNotFound when the app has none.
func (s *Store) ActiveDeployment(appID string) (*types.Deployment, error) {
	var d types.Deployment
	err := s.db.Get(&d, `
		SELECT * FROM deployments
		WHERE app_id = ? AND status NOT IN ('failed', 'stopped')
		ORDER BY started_at DESC LIMIT 1`, appID)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// UpdateDeployment persists deployment state transitions
func (s *Store) UpdateDeployment(d *types.Deployment) error {
	_, err := s.db.NamedExec(`
		UPDATE deployments SET status = :status, commit_sha = :commit_sha,
			container_id = :container_id, image_tag = :image_tag,
			error_message = :error_message, finished_at = :finished_at
		WHERE id = :id`, d)
	return err
}

// DeleteDeployment removes a deployment row; its logs cascade
func (s *Store) DeleteDeployment(id string) error {
	_, err := s.db.Exec(`DELETE FROM deployments WHERE id = ?`, id)
	return err
}

// TerminalDeploymentsBeyond returns an app's failed/stopped deployments
// past the most recent keep entries, ordered newest first.
func (s *Store) TerminalDeploymentsBeyond(appID string, keep int) ([]types.Deployment, error) {
	var deps []types.Deployment
	err := s.db.Select(&deps, `
		SELECT * FROM deployments
		WHERE app_id = ? AND status IN ('failed', 'stopped')
		ORDER BY started_at DESC LIMIT -1 OFFSET ?`, appID, keep)
	return deps, err
}

// AppendDeploymentLog records a deployment log line
func (s *Store) AppendDeploymentLog(deploymentID string, level types.LogLevel, message string) error {
	_, err := s.db.Exec(`
		INSERT INTO deployment_logs (deployment_id, timestamp, level, message)
		VALUES (?, ?, ?, ?)`, deploymentID, time.Now().UTC(), level, message)
	return err
}

// ListDeploymentLogs returns a deployment's log lines in insertion order
func (s *Store) ListDeploymentLogs(deploymentID string) ([]types.DeploymentLog, error) {
	var logs []types.DeploymentLog
	err := s.db.Select(&logs,
		`SELECT * FROM deployment_logs WHERE deployment_id = ? ORDER BY id`, deploymentID)
	return logs, err
}

// DeleteDeploymentLogs removes all logs for a deployment
func (s *Store) DeleteDeploymentLogs(deploymentID string) error {
	_, err := s.db.Exec(`DELETE FROM deployment_logs WHERE deployment_id = ?`, deploymentID)
	return err
}
