// Package memory is a thread-safe in-memory persistence layer implementing
// the storage interfaces. It backs tests and DSN-less startup and
// deliberately keeps the implementation simple.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/internal/domain/oplog"
)

// Store holds all records behind one mutex so composite lifecycle mutations
// are naturally atomic.
type Store struct {
	mu          sync.RWMutex
	nextID      int64
	modules     map[string]module.Module
	versions    map[string]module.Version
	deployments map[string]module.Deployment
	history     []module.HistoryEntry
	validations []oplog.ValidationLog
	errorLogs   []oplog.ErrorLog
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		nextID:      1,
		modules:     make(map[string]module.Module),
		versions:    make(map[string]module.Version),
		deployments: make(map[string]module.Deployment),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// --- ModuleStore ------------------------------------------------------------

func (s *Store) CreateModule(_ context.Context, mod module.Module, first module.Version, operator string) (module.Module, module.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := strings.TrimSpace(mod.Name)
	for _, existing := range s.modules {
		if existing.Name == name && existing.Status != module.StatusDeleted {
			return module.Module{}, module.Version{}, module.ErrNameConflict
		}
	}

	now := time.Now().UTC()
	mod.ID = s.nextIDLocked()
	mod.Name = name
	mod.Status = module.StatusActive
	mod.Tags = cloneStrings(mod.Tags)
	mod.CreatedAt = now
	mod.UpdatedAt = now

	first.ID = s.nextIDLocked()
	first.ModuleID = mod.ID
	first.CreatedAt = now

	dep := module.Deployment{
		ID:         s.nextIDLocked(),
		ModuleID:   mod.ID,
		VersionID:  first.ID,
		Status:     module.DeploymentActive,
		DeployedAt: now,
	}

	mod.CurrentVersion = first.Label
	s.modules[mod.ID] = mod
	s.versions[first.ID] = first
	s.deployments[dep.ID] = dep
	s.appendHistoryLocked(mod.ID, first.ID, module.ActionUpload, operator, now)

	return s.withCurrentLocked(mod), first, nil
}

func (s *Store) AddVersion(_ context.Context, moduleID string, ver module.Version, operator string) (module.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mod, ok := s.modules[moduleID]
	if !ok {
		return module.Version{}, module.ErrModuleNotFound
	}
	if mod.Status == module.StatusDeleted {
		return module.Version{}, module.ErrModuleDeleted
	}
	for _, existing := range s.versions {
		if existing.ModuleID == moduleID && existing.Label == ver.Label {
			return module.Version{}, module.ErrDuplicateVersion
		}
	}

	now := time.Now().UTC()
	ver.ID = s.nextIDLocked()
	ver.ModuleID = moduleID
	ver.CreatedAt = now
	s.versions[ver.ID] = ver

	s.deactivateAllLocked(moduleID)
	dep := module.Deployment{
		ID:         s.nextIDLocked(),
		ModuleID:   moduleID,
		VersionID:  ver.ID,
		Status:     module.DeploymentActive,
		DeployedAt: now,
	}
	s.deployments[dep.ID] = dep

	mod.CurrentVersion = ver.Label
	mod.UpdatedAt = now
	s.modules[moduleID] = mod
	s.appendHistoryLocked(moduleID, ver.ID, module.ActionUpload, operator, now)

	return ver, nil
}

func (s *Store) SetActiveVersion(_ context.Context, moduleID, versionID string, action module.HistoryAction, operator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mod, ok := s.modules[moduleID]
	if !ok {
		return module.ErrModuleNotFound
	}
	if mod.Status == module.StatusDeleted {
		return module.ErrModuleDeleted
	}
	ver, ok := s.versions[versionID]
	if !ok || ver.ModuleID != moduleID {
		return module.ErrVersionNotFound
	}

	now := time.Now().UTC()
	s.deactivateAllLocked(moduleID)

	flipped := false
	for id, dep := range s.deployments {
		if dep.ModuleID == moduleID && dep.VersionID == versionID {
			dep.Status = module.DeploymentActive
			dep.DeployedAt = now
			s.deployments[id] = dep
			flipped = true
			break
		}
	}
	if !flipped {
		dep := module.Deployment{
			ID:         s.nextIDLocked(),
			ModuleID:   moduleID,
			VersionID:  versionID,
			Status:     module.DeploymentActive,
			DeployedAt: now,
		}
		s.deployments[dep.ID] = dep
	}

	mod.CurrentVersion = ver.Label
	mod.UpdatedAt = now
	s.modules[moduleID] = mod
	s.appendHistoryLocked(moduleID, versionID, action, operator, now)
	return nil
}

func (s *Store) DeactivateVersion(_ context.Context, moduleID, versionID, operator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mod, ok := s.modules[moduleID]
	if !ok {
		return module.ErrModuleNotFound
	}
	ver, ok := s.versions[versionID]
	if !ok || ver.ModuleID != moduleID {
		return module.ErrVersionNotFound
	}

	now := time.Now().UTC()
	for id, dep := range s.deployments {
		if dep.ModuleID == moduleID && dep.VersionID == versionID {
			dep.Status = module.DeploymentInactive
			s.deployments[id] = dep
		}
	}
	mod.CurrentVersion = ""
	mod.UpdatedAt = now
	s.modules[moduleID] = mod
	s.appendHistoryLocked(moduleID, versionID, module.ActionDeactivate, operator, now)
	return nil
}

func (s *Store) MarkModuleDeleted(_ context.Context, moduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mod, ok := s.modules[moduleID]
	if !ok {
		return module.ErrModuleNotFound
	}
	s.deactivateAllLocked(moduleID)
	mod.Status = module.StatusDeleted
	mod.CurrentVersion = ""
	mod.UpdatedAt = time.Now().UTC()
	s.modules[moduleID] = mod
	return nil
}

func (s *Store) GetModule(_ context.Context, id string) (module.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mod, ok := s.modules[id]
	if !ok {
		return module.Module{}, module.ErrModuleNotFound
	}
	return s.withCurrentLocked(mod), nil
}

func (s *Store) GetModuleByName(_ context.Context, name string) (module.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name = strings.TrimSpace(name)
	for _, mod := range s.modules {
		if mod.Name == name && mod.Status != module.StatusDeleted {
			return s.withCurrentLocked(mod), nil
		}
	}
	return module.Module{}, module.ErrModuleNotFound
}

func (s *Store) ListModules(_ context.Context) ([]module.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]module.Module, 0, len(s.modules))
	for _, mod := range s.modules {
		if mod.Status == module.StatusDeleted {
			continue
		}
		result = append(result, s.withCurrentLocked(mod))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) UpdateModuleMeta(_ context.Context, moduleID, description string, tags []string) (module.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mod, ok := s.modules[moduleID]
	if !ok {
		return module.Module{}, module.ErrModuleNotFound
	}
	if mod.Status == module.StatusDeleted {
		return module.Module{}, module.ErrModuleDeleted
	}
	mod.Description = description
	if tags != nil {
		mod.Tags = cloneStrings(tags)
	}
	mod.UpdatedAt = time.Now().UTC()
	s.modules[moduleID] = mod
	return s.withCurrentLocked(mod), nil
}

func (s *Store) SetModuleImageTag(_ context.Context, moduleID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mod, ok := s.modules[moduleID]
	if !ok {
		return module.ErrModuleNotFound
	}
	mod.ImageTag = tag
	mod.UpdatedAt = time.Now().UTC()
	s.modules[moduleID] = mod
	return nil
}

func (s *Store) GetVersion(_ context.Context, id string) (module.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ver, ok := s.versions[id]
	if !ok {
		return module.Version{}, module.ErrVersionNotFound
	}
	return ver, nil
}

func (s *Store) GetVersionByLabel(_ context.Context, moduleID, label string) (module.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ver := range s.versions {
		if ver.ModuleID == moduleID && ver.Label == label {
			return ver, nil
		}
	}
	return module.Version{}, module.ErrVersionNotFound
}

func (s *Store) ListVersions(_ context.Context, moduleID string) ([]module.VersionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []module.VersionInfo
	for _, ver := range s.versions {
		if ver.ModuleID != moduleID {
			continue
		}
		info := module.VersionInfo{Version: ver, DeploymentStatus: module.DeploymentInactive}
		for _, dep := range s.deployments {
			if dep.VersionID == ver.ID && dep.Status == module.DeploymentActive {
				info.DeploymentStatus = module.DeploymentActive
				break
			}
		}
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) ActiveDeployment(_ context.Context, moduleID string) (module.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, dep := range s.deployments {
		if dep.ModuleID == moduleID && dep.Status == module.DeploymentActive {
			return dep, nil
		}
	}
	return module.Deployment{}, module.ErrNoActiveDeployment
}

func (s *Store) ListHistory(_ context.Context, moduleID string) ([]module.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []module.HistoryEntry
	for _, entry := range s.history {
		if entry.ModuleID == moduleID {
			result = append(result, entry)
		}
	}
	return result, nil
}

// --- LogStore ---------------------------------------------------------------

func (s *Store) AppendValidationLog(_ context.Context, rec oplog.ValidationLog) (oplog.ValidationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.nextIDLocked()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.validations = append(s.validations, rec)
	return rec, nil
}

func (s *Store) ListValidationLogs(_ context.Context, limit int) ([]oplog.ValidationLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]oplog.ValidationLog, len(s.validations))
	copy(result, s.validations)
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *Store) AppendErrorLog(_ context.Context, rec oplog.ErrorLog) (oplog.ErrorLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.nextIDLocked()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.errorLogs = append(s.errorLogs, rec)
	return rec, nil
}

func (s *Store) ListErrorLogs(_ context.Context, f oplog.ErrorLogFilter) ([]oplog.ErrorLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []oplog.ErrorLog
	for _, rec := range s.errorLogs {
		if errorLogMatches(rec, f) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *Store) CountErrorLogs(_ context.Context, f oplog.ErrorLogFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rec := range s.errorLogs {
		if errorLogMatches(rec, f) {
			count++
		}
	}
	return count, nil
}

func errorLogMatches(rec oplog.ErrorLog, f oplog.ErrorLogFilter) bool {
	if f.Code != "" && rec.Code != f.Code {
		return false
	}
	if f.Principal != "" && rec.Principal != f.Principal {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.CreatedAt.After(f.To) {
		return false
	}
	if f.Keyword != "" {
		kw := strings.ToLower(f.Keyword)
		if !strings.Contains(strings.ToLower(rec.Message), kw) &&
			!strings.Contains(strings.ToLower(rec.DeveloperMessage), kw) {
			return false
		}
	}
	return true
}

// --- helpers ----------------------------------------------------------------

func (s *Store) deactivateAllLocked(moduleID string) {
	for id, dep := range s.deployments {
		if dep.ModuleID == moduleID && dep.Status == module.DeploymentActive {
			dep.Status = module.DeploymentInactive
			s.deployments[id] = dep
		}
	}
}

func (s *Store) appendHistoryLocked(moduleID, versionID string, action module.HistoryAction, operator string, at time.Time) {
	s.history = append(s.history, module.HistoryEntry{
		ID:        s.nextIDLocked(),
		ModuleID:  moduleID,
		VersionID: versionID,
		Action:    action,
		Operator:  operator,
		CreatedAt: at,
	})
}

// withCurrentLocked resolves CurrentVersion through the active deployment so
// callers never observe a stale mirror.
func (s *Store) withCurrentLocked(mod module.Module) module.Module {
	mod.Tags = cloneStrings(mod.Tags)
	mod.CurrentVersion = ""
	for _, dep := range s.deployments {
		if dep.ModuleID == mod.ID && dep.Status == module.DeploymentActive {
			if ver, ok := s.versions[dep.VersionID]; ok {
				mod.CurrentVersion = ver.Label
			}
			break
		}
	}
	return mod
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
