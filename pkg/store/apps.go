package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/rivetr/rivetr/pkg/types"
)

// CreateApp inserts a new app. The ID is generated when empty.
func (s *Store) CreateApp(app *types.App) error {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	app.UpdatedAt = now
	if app.DomainsJSON == "" {
		app.DomainsJSON = "[]"
	}
	if app.PortMappingsJSON == "" {
		app.PortMappingsJSON = "[]"
	}
	if app.PreDeployCommands == "" {
		app.PreDeployCommands = "[]"
	}
	if app.PostDeployCommands == "" {
		app.PostDeployCommands = "[]"
	}
	_, err := s.db.NamedExec(`
		INSERT INTO apps (id, name, git_url, branch, dockerfile, port, memory_limit_mb, cpu_limit,
			project_id, domains, port_mappings, basic_auth_enabled, basic_auth_username,
			basic_auth_password_hash, pre_deploy_commands, post_deploy_commands, created_at, updated_at)
		VALUES (:id, :name, :git_url, :branch, :dockerfile, :port, :memory_limit_mb, :cpu_limit,
			:project_id, :domains, :port_mappings, :basic_auth_enabled, :basic_auth_username,
			:basic_auth_password_hash, :pre_deploy_commands, :post_deploy_commands, :created_at, :updated_at)`,
		app)
	return err
}

// GetApp retrieves an app by ID
func (s *Store) GetApp(id string) (*types.App, error) {
	var app types.App
	err := s.db.Get(&app, `SELECT * FROM apps WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &app, nil
}

// GetAppByName retrieves an app by its unique name
func (s *Store) GetAppByName(name string) (*types.App, error) {
	var app types.App
	err := s.db.Get(&app, `SELECT * FROM apps WHERE name = ?`, name)
	if err != nil {
		return nil, notFound(err)
	}
	return &app, nil
}

// ListApps returns all apps ordered by name
func (s *Store) ListApps() ([]types.App, error) {
	var apps []types.App
	err := s.db.Select(&apps, `SELECT * FROM apps ORDER BY name`)
	return apps, err
}

// UpdateApp persists mutable app fields
func (s *Store) UpdateApp(app *types.App) error {
	app.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExec(`
		UPDATE apps SET name = :name, git_url = :git_url, branch = :branch, dockerfile = :dockerfile,
			port = :port, memory_limit_mb = :memory_limit_mb, cpu_limit = :cpu_limit,
			project_id = :project_id, domains = :domains, port_mappings = :port_mappings,
			basic_auth_enabled = :basic_auth_enabled, basic_auth_username = :basic_auth_username,
			basic_auth_password_hash = :basic_auth_password_hash,
			pre_deploy_commands = :pre_deploy_commands, post_deploy_commands = :post_deploy_commands,
			updated_at = :updated_at
		WHERE id = :id`, app)
	return err
}

// DeleteApp removes an app; env vars, volumes, deployments and their logs
// cascade at the schema level.
func (s *Store) DeleteApp(id string) error {
	_, err := s.db.Exec(`DELETE FROM apps WHERE id = ?`, id)
	return err
}

// UpsertEnvVar creates or replaces an env var for (app, key)
func (s *Store) UpsertEnvVar(v *types.EnvVar) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	_, err := s.db.NamedExec(`
		INSERT INTO env_vars (id, app_id, key, value, is_secret)
		VALUES (:id, :app_id, :key, :value, :is_secret)
		ON CONFLICT(app_id, key) DO UPDATE SET value = excluded.value, is_secret = excluded.is_secret`,
		v)
	return err
}

// ListEnvVars returns the env vars of an app
func (s *Store) ListEnvVars(appID string) ([]types.EnvVar, error) {
	var vars []types.EnvVar
	err := s.db.Select(&vars, `SELECT * FROM env_vars WHERE app_id = ? ORDER BY key`, appID)
	return vars, err
}

// DeleteEnvVar removes a single env var
func (s *Store) DeleteEnvVar(id string) error {
	_, err := s.db.Exec(`DELETE FROM env_vars WHERE id = ?`, id)
	return err
}

// CreateVolume attaches a volume mount to an app
func (s *Store) CreateVolume(v *types.Volume) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	_, err := s.db.NamedExec(`
		INSERT INTO volumes (id, app_id, name, host_path, container_path, read_only)
		VALUES (:id, :app_id, :name, :host_path, :container_path, :read_only)`, v)
	return err
}

// ListVolumes returns the volumes of an app
func (s *Store) ListVolumes(appID string) ([]types.Volume, error) {
	var vols []types.Volume
	err := s.db.Select(&vols, `SELECT * FROM volumes WHERE app_id = ?`, appID)
	return vols, err
}

// DeleteVolume removes a volume mount
func (s *Store) DeleteVolume(id string) error {
	_, err := s.db.Exec(`DELETE FROM volumes WHERE id = ?`, id)
	return err
}
