// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/internal/storage"
)

// Store implements storage.ModuleStore and storage.LogStore.
type Store struct {
	db *sql.DB
}

var _ storage.ModuleStore = (*Store)(nil)
var _ storage.LogStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// --- ModuleStore ------------------------------------------------------------

func (s *Store) CreateModule(ctx context.Context, mod module.Module, first module.Version, operator string) (module.Module, module.Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return module.Module{}, module.Version{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	mod.ID = uuid.NewString()
	mod.Name = strings.TrimSpace(mod.Name)
	mod.Status = module.StatusActive
	mod.CreatedAt = now
	mod.UpdatedAt = now

	tagsJSON, err := json.Marshal(mod.Tags)
	if err != nil {
		return module.Module{}, module.Version{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO modules (id, name, env_kind, description, tags, owner, status, image_tag, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, mod.ID, mod.Name, string(mod.EnvKind), mod.Description, tagsJSON, mod.Owner, string(mod.Status), mod.ImageTag, mod.CreatedAt, mod.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return module.Module{}, module.Version{}, module.ErrNameConflict
		}
		return module.Module{}, module.Version{}, err
	}

	first.ID = uuid.NewString()
	first.ModuleID = mod.ID
	first.CreatedAt = now
	if err := insertVersion(ctx, tx, first); err != nil {
		return module.Module{}, module.Version{}, err
	}
	if err := activateDeployment(ctx, tx, mod.ID, first.ID, now); err != nil {
		return module.Module{}, module.Version{}, err
	}
	if err := appendHistory(ctx, tx, mod.ID, first.ID, module.ActionUpload, operator, now); err != nil {
		return module.Module{}, module.Version{}, err
	}

	if err := tx.Commit(); err != nil {
		return module.Module{}, module.Version{}, err
	}
	mod.CurrentVersion = first.Label
	return mod, first, nil
}

func (s *Store) AddVersion(ctx context.Context, moduleID string, ver module.Version, operator string) (module.Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return module.Version{}, err
	}
	defer tx.Rollback()

	status, err := moduleStatus(ctx, tx, moduleID)
	if err != nil {
		return module.Version{}, err
	}
	if status == module.StatusDeleted {
		return module.Version{}, module.ErrModuleDeleted
	}

	now := time.Now().UTC()
	ver.ID = uuid.NewString()
	ver.ModuleID = moduleID
	ver.CreatedAt = now
	if err := insertVersion(ctx, tx, ver); err != nil {
		if isUniqueViolation(err) {
			return module.Version{}, module.ErrDuplicateVersion
		}
		return module.Version{}, err
	}
	if err := activateDeployment(ctx, tx, moduleID, ver.ID, now); err != nil {
		return module.Version{}, err
	}
	if err := appendHistory(ctx, tx, moduleID, ver.ID, module.ActionUpload, operator, now); err != nil {
		return module.Version{}, err
	}

	if err := tx.Commit(); err != nil {
		return module.Version{}, err
	}
	return ver, nil
}

func (s *Store) SetActiveVersion(ctx context.Context, moduleID, versionID string, action module.HistoryAction, operator string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status, err := moduleStatus(ctx, tx, moduleID)
	if err != nil {
		return err
	}
	if status == module.StatusDeleted {
		return module.ErrModuleDeleted
	}

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT module_id FROM versions WHERE id = $1`, versionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != moduleID) {
		return module.ErrVersionNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := activateDeployment(ctx, tx, moduleID, versionID, now); err != nil {
		return err
	}
	if err := appendHistory(ctx, tx, moduleID, versionID, action, operator, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeactivateVersion(ctx context.Context, moduleID, versionID, operator string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE deployments SET status = 'inactive'
		WHERE module_id = $1 AND version_id = $2 AND status = 'active'
	`, moduleID, versionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM versions WHERE id = $1 AND module_id = $2)`, versionID, moduleID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return module.ErrVersionNotFound
		}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE modules SET updated_at = $2 WHERE id = $1`, moduleID, now); err != nil {
		return err
	}
	if err := appendHistory(ctx, tx, moduleID, versionID, module.ActionDeactivate, operator, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) MarkModuleDeleted(ctx context.Context, moduleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE modules SET status = 'deleted', updated_at = $2 WHERE id = $1
	`, moduleID, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return module.ErrModuleNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE deployments SET status = 'inactive' WHERE module_id = $1 AND status = 'active'
	`, moduleID); err != nil {
		return err
	}
	return tx.Commit()
}

const moduleColumns = `
	m.id, m.name, m.env_kind, m.description, m.tags, m.owner, m.status, m.image_tag,
	m.created_at, m.updated_at, COALESCE(v.label, '')
`

const moduleFrom = `
	FROM modules m
	LEFT JOIN deployments d ON d.module_id = m.id AND d.status = 'active'
	LEFT JOIN versions v ON v.id = d.version_id
`

func (s *Store) GetModule(ctx context.Context, id string) (module.Module, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+moduleColumns+moduleFrom+` WHERE m.id = $1`, id)
	return scanModule(row)
}

func (s *Store) GetModuleByName(ctx context.Context, name string) (module.Module, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+moduleColumns+moduleFrom+` WHERE m.name = $1 AND m.status <> 'deleted'
	`, strings.TrimSpace(name))
	return scanModule(row)
}

func (s *Store) ListModules(ctx context.Context) ([]module.Module, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+moduleColumns+moduleFrom+` WHERE m.status <> 'deleted' ORDER BY m.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []module.Module
	for rows.Next() {
		mod, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, mod)
	}
	return result, rows.Err()
}

func (s *Store) UpdateModuleMeta(ctx context.Context, moduleID, description string, tags []string) (module.Module, error) {
	now := time.Now().UTC()
	var err error
	if tags != nil {
		var tagsJSON []byte
		tagsJSON, err = json.Marshal(tags)
		if err != nil {
			return module.Module{}, err
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE modules SET description = $2, tags = $3, updated_at = $4
			WHERE id = $1 AND status <> 'deleted'
		`, moduleID, description, tagsJSON, now)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE modules SET description = $2, updated_at = $3
			WHERE id = $1 AND status <> 'deleted'
		`, moduleID, description, now)
	}
	if err != nil {
		return module.Module{}, err
	}
	return s.GetModule(ctx, moduleID)
}

func (s *Store) SetModuleImageTag(ctx context.Context, moduleID, tag string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE modules SET image_tag = $2, updated_at = $3 WHERE id = $1
	`, moduleID, tag, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return module.ErrModuleNotFound
	}
	return nil
}

const versionColumns = `id, module_id, label, code, description, changelog, created_at`

func (s *Store) GetVersion(ctx context.Context, id string) (module.Version, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE id = $1`, id)
	return scanVersion(row)
}

func (s *Store) GetVersionByLabel(ctx context.Context, moduleID, label string) (module.Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM versions WHERE module_id = $1 AND label = $2
	`, moduleID, label)
	return scanVersion(row)
}

func (s *Store) ListVersions(ctx context.Context, moduleID string) ([]module.VersionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.module_id, v.label, v.code, v.description, v.changelog, v.created_at,
		       COALESCE(d.status, 'inactive')
		FROM versions v
		LEFT JOIN deployments d ON d.version_id = v.id AND d.status = 'active'
		WHERE v.module_id = $1
		ORDER BY v.created_at
	`, moduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []module.VersionInfo
	for rows.Next() {
		var info module.VersionInfo
		var status string
		if err := rows.Scan(&info.ID, &info.ModuleID, &info.Label, &info.Code,
			&info.Description, &info.Changelog, &info.CreatedAt, &status); err != nil {
			return nil, err
		}
		info.DeploymentStatus = module.DeploymentStatus(status)
		result = append(result, info)
	}
	return result, rows.Err()
}

func (s *Store) ActiveDeployment(ctx context.Context, moduleID string) (module.Deployment, error) {
	var dep module.Deployment
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, module_id, version_id, status, deployed_at
		FROM deployments WHERE module_id = $1 AND status = 'active'
	`, moduleID).Scan(&dep.ID, &dep.ModuleID, &dep.VersionID, &status, &dep.DeployedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return module.Deployment{}, module.ErrNoActiveDeployment
	}
	if err != nil {
		return module.Deployment{}, err
	}
	dep.Status = module.DeploymentStatus(status)
	return dep, nil
}

func (s *Store) ListHistory(ctx context.Context, moduleID string) ([]module.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, module_id, version_id, action, operator, created_at
		FROM module_history WHERE module_id = $1 ORDER BY created_at
	`, moduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []module.HistoryEntry
	for rows.Next() {
		var entry module.HistoryEntry
		var action string
		if err := rows.Scan(&entry.ID, &entry.ModuleID, &entry.VersionID, &action,
			&entry.Operator, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Action = module.HistoryAction(action)
		result = append(result, entry)
	}
	return result, rows.Err()
}

// --- transaction helpers ----------------------------------------------------

func moduleStatus(ctx context.Context, tx *sql.Tx, moduleID string) (module.Status, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM modules WHERE id = $1`, moduleID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", module.ErrModuleNotFound
	}
	if err != nil {
		return "", err
	}
	return module.Status(status), nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, ver module.Version) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO versions (id, module_id, label, code, description, changelog, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ver.ID, ver.ModuleID, ver.Label, ver.Code, ver.Description, ver.Changelog, ver.CreatedAt)
	return err
}

// activateDeployment deactivates every deployment of the module, then marks
// the target version's deployment active, inserting one if needed.
func activateDeployment(ctx context.Context, tx *sql.Tx, moduleID, versionID string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE deployments SET status = 'inactive' WHERE module_id = $1 AND status = 'active'
	`, moduleID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE deployments SET status = 'active', deployed_at = $3
		WHERE module_id = $1 AND version_id = $2
	`, moduleID, versionID, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deployments (id, module_id, version_id, status, deployed_at)
			VALUES ($1, $2, $3, 'active', $4)
		`, uuid.NewString(), moduleID, versionID, now); err != nil {
			return err
		}
	}
	return nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, moduleID, versionID string, action module.HistoryAction, operator string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO module_history (id, module_id, version_id, action, operator, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), moduleID, versionID, string(action), operator, now)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModule(row rowScanner) (module.Module, error) {
	var mod module.Module
	var envKind, status string
	var tagsJSON []byte
	err := row.Scan(&mod.ID, &mod.Name, &envKind, &mod.Description, &tagsJSON,
		&mod.Owner, &status, &mod.ImageTag, &mod.CreatedAt, &mod.UpdatedAt, &mod.CurrentVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return module.Module{}, module.ErrModuleNotFound
	}
	if err != nil {
		return module.Module{}, err
	}
	mod.EnvKind = module.EnvKind(envKind)
	mod.Status = module.Status(status)
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &mod.Tags); err != nil {
			return module.Module{}, err
		}
	}
	return mod, nil
}

func scanVersion(row rowScanner) (module.Version, error) {
	var ver module.Version
	err := row.Scan(&ver.ID, &ver.ModuleID, &ver.Label, &ver.Code,
		&ver.Description, &ver.Changelog, &ver.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return module.Version{}, module.ErrVersionNotFound
	}
	if err != nil {
		return module.Version{}, err
	}
	return ver, nil
}
