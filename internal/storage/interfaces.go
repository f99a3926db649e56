package storage

import (
	"context"

	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/internal/domain/oplog"
)

// ModuleStore persists modules, versions, deployments and lifecycle history.
//
// The composite mutations (CreateModule, AddVersion, SetActiveVersion,
// DeactivateVersion, MarkModuleDeleted) are each one atomic unit: the
// deployment flip and the history row commit together or not at all. Reads
// resolve CurrentVersion through the active deployment, never from a stale
// module row.
type ModuleStore interface {
	// CreateModule registers a module with its first version, an active
	// deployment for it and an "upload" history row. Fails with
	// module.ErrNameConflict when the name is taken by a non-deleted module.
	CreateModule(ctx context.Context, mod module.Module, first module.Version, operator string) (module.Module, module.Version, error)

	// AddVersion inserts a new version, deactivates every other deployment
	// of the module and activates the new one. Fails with
	// module.ErrDuplicateVersion on a label collision.
	AddVersion(ctx context.Context, moduleID string, ver module.Version, operator string) (module.Version, error)

	// SetActiveVersion flips the active deployment to the given version,
	// deactivating all others in the same transaction. The action
	// distinguishes activate from rollback in the history trail.
	SetActiveVersion(ctx context.Context, moduleID, versionID string, action module.HistoryAction, operator string) error

	// DeactivateVersion marks the version's deployment inactive, leaving the
	// module with no active deployment.
	DeactivateVersion(ctx context.Context, moduleID, versionID, operator string) error

	// MarkModuleDeleted performs the logical delete. Disk cleanup is the
	// caller's concern.
	MarkModuleDeleted(ctx context.Context, moduleID string) error

	GetModule(ctx context.Context, id string) (module.Module, error)
	GetModuleByName(ctx context.Context, name string) (module.Module, error)
	ListModules(ctx context.Context) ([]module.Module, error)
	UpdateModuleMeta(ctx context.Context, moduleID, description string, tags []string) (module.Module, error)
	SetModuleImageTag(ctx context.Context, moduleID, tag string) error

	GetVersion(ctx context.Context, id string) (module.Version, error)
	GetVersionByLabel(ctx context.Context, moduleID, label string) (module.Version, error)
	ListVersions(ctx context.Context, moduleID string) ([]module.VersionInfo, error)
	ActiveDeployment(ctx context.Context, moduleID string) (module.Deployment, error)
	ListHistory(ctx context.Context, moduleID string) ([]module.HistoryEntry, error)
}

// LogStore persists validation and error log records.
type LogStore interface {
	AppendValidationLog(ctx context.Context, rec oplog.ValidationLog) (oplog.ValidationLog, error)
	ListValidationLogs(ctx context.Context, limit int) ([]oplog.ValidationLog, error)

	AppendErrorLog(ctx context.Context, rec oplog.ErrorLog) (oplog.ErrorLog, error)
	ListErrorLogs(ctx context.Context, f oplog.ErrorLogFilter) ([]oplog.ErrorLog, error)
	CountErrorLogs(ctx context.Context, f oplog.ErrorLogFilter) (int, error)
}
