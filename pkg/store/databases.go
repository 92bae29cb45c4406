package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/rivetr/rivetr/pkg/types"
)

// CreateDatabase inserts a managed database record
func (s *Store) CreateDatabase(db *types.ManagedDatabase) error {
	if db.ID == "" {
		db.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if db.CreatedAt.IsZero() {
		db.CreatedAt = now
	}
	db.UpdatedAt = now
	_, err := s.db.NamedExec(`
		INSERT INTO managed_databases (id, name, db_type, version, container_id, status,
			internal_port, external_port, credentials, volume_name, created_at, updated_at)
		VALUES (:id, :name, :db_type, :version, :container_id, :status,
			:internal_port, :external_port, :credentials, :volume_name, :created_at, :updated_at)`,
		db)
	return err
}

// GetDatabase retrieves a managed database by ID
func (s *Store) GetDatabase(id string) (*types.ManagedDatabase, error) {
	var db types.ManagedDatabase
	err := s.db.Get(&db, `SELECT * FROM managed_databases WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &db, nil
}

// ListDatabases returns all managed databases
func (s *Store) ListDatabases() ([]types.ManagedDatabase, error) {
	var dbs []types.ManagedDatabase
	err := s.db.Select(&dbs, `SELECT * FROM managed_databases ORDER BY name`)
	return dbs, err
}

// ListDatabasesByStatus returns managed databases in a given status
func (s *Store) ListDatabasesByStatus(status types.DatabaseStatus) ([]types.ManagedDatabase, error) {
	var dbs []types.ManagedDatabase
	err := s.db.Select(&dbs, `SELECT * FROM managed_databases WHERE status = ?`, status)
	return dbs, err
}

// UpdateDatabase persists database state changes
func (s *Store) UpdateDatabase(db *types.ManagedDatabase) error {
	db.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExec(`
		UPDATE managed_databases SET name = :name, db_type = :db_type, version = :version,
			container_id = :container_id, status = :status, internal_port = :internal_port,
			external_port = :external_port, credentials = :credentials,
			volume_name = :volume_name, updated_at = :updated_at
		WHERE id = :id`, db)
	return err
}

// DeleteDatabase removes a managed database; backups and schedules cascade
func (s *Store) DeleteDatabase(id string) error {
	_, err := s.db.Exec(`DELETE FROM managed_databases WHERE id = ?`, id)
	return err
}

// CreateService inserts a compose service record
func (s *Store) CreateService(svc *types.Service) error {
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now
	_, err := s.db.NamedExec(`
		INSERT INTO services (id, name, compose_content, status, created_at, updated_at)
		VALUES (:id, :name, :compose_content, :status, :created_at, :updated_at)`, svc)
	return err
}

// GetService retrieves a compose service by ID
func (s *Store) GetService(id string) (*types.Service, error) {
	var svc types.Service
	err := s.db.Get(&svc, `SELECT * FROM services WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &svc, nil
}

// ListServices returns all compose services
func (s *Store) ListServices() ([]types.Service, error) {
	var svcs []types.Service
	err := s.db.Select(&svcs, `SELECT * FROM services ORDER BY name`)
	return svcs, err
}

// ListServicesByStatus returns compose services in a given status
func (s *Store) ListServicesByStatus(status types.ServiceStatus) ([]types.Service, error) {
	var svcs []types.Service
	err := s.db.Select(&svcs, `SELECT * FROM services WHERE status = ?`, status)
	return svcs, err
}

// UpdateService persists service state changes
func (s *Store) UpdateService(svc *types.Service) error {
	svc.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExec(`
		UPDATE services SET name = :name, compose_content = :compose_content,
			status = :status, updated_at = :updated_at
		WHERE id = :id`, svc)
	return err
}

// DeleteService removes a compose service record
func (s *Store) DeleteService(id string) error {
	_, err := s.db.Exec(`DELETE FROM services WHERE id = ?`, id)
	return err
}
