// Package registry owns the module lifecycle: registration, version uploads,
// activation flips, deployment of runtimes and deletion.
package registry

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/operato/modrunner/internal/artifact"
	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/internal/provision"
	"github.com/operato/modrunner/internal/storage"
	"github.com/operato/modrunner/internal/validation"
	"github.com/operato/modrunner/pkg/logger"
)

// ContainerReaper kills containers tied to a module during deletion.
// Satisfied by the docker platform client.
type ContainerReaper interface {
	KillByLabel(ctx context.Context, key, value string) error
}

// moduleLabel mirrors the label the container executor stamps on runs.
const moduleLabel = "modrunner.module"

// Service is the module registry and lifecycle manager.
type Service struct {
	store       storage.ModuleStore
	artifacts   *artifact.Store
	validator   *validation.Pipeline
	provisioner *provision.Provisioner
	reaper      ContainerReaper
	log         *logger.Logger
}

// New constructs the registry. reaper may be nil when no container daemon is
// available.
func New(store storage.ModuleStore, artifacts *artifact.Store, validator *validation.Pipeline,
	provisioner *provision.Provisioner, reaper ContainerReaper, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	return &Service{
		store:       store,
		artifacts:   artifacts,
		validator:   validator,
		provisioner: provisioner,
		reaper:      reaper,
		log:         log,
	}
}

// RegisterInput is the payload for first registration of a module.
type RegisterInput struct {
	Name         string
	EnvKind      module.EnvKind
	VersionLabel string
	Code         string // inline modules only
	ArtifactDir  string // staged upload dir for other kinds
	Description  string
	Changelog    string
	Tags         []string
	Owner        string
}

// VersionInput is the payload for a subsequent version upload.
type VersionInput struct {
	Label       string
	Code        string
	ArtifactDir string
	Description string
	Changelog   string
}

// Register creates a module with its first version, which becomes active.
func (s *Service) Register(ctx context.Context, in RegisterInput, operator string) (module.Module, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return module.Module{}, fmt.Errorf("%w: name is required", module.ErrBadInput)
	}
	if !in.EnvKind.Valid() {
		return module.Module{}, fmt.Errorf("%w: unknown environment kind %q", module.ErrBadInput, in.EnvKind)
	}
	if in.VersionLabel == "" {
		return module.Module{}, fmt.Errorf("%w: version label is required", module.ErrBadInput)
	}
	if err := checkPayload(in.EnvKind, in.Code, in.ArtifactDir); err != nil {
		return module.Module{}, err
	}

	var sourceDir string
	if in.EnvKind != module.EnvInline {
		extracted, err := s.validator.Run(ctx, in.ArtifactDir)
		if err != nil {
			return module.Module{}, err
		}
		if err := s.artifacts.StoreSource(name, in.VersionLabel, extracted); err != nil {
			return module.Module{}, err
		}
		sourceDir = s.artifacts.SourceDir(name, in.VersionLabel)
	}

	mod := module.Module{
		Name:        name,
		EnvKind:     in.EnvKind,
		Description: in.Description,
		Tags:        in.Tags,
		Owner:       in.Owner,
	}
	first := module.Version{
		Label:       in.VersionLabel,
		Code:        in.Code,
		Description: in.Description,
		Changelog:   in.Changelog,
	}

	created, _, err := s.store.CreateModule(ctx, mod, first, operator)
	if err != nil {
		if sourceDir != "" {
			_ = s.artifacts.RemoveSource(name, in.VersionLabel)
		}
		return module.Module{}, err
	}

	s.log.WithField("module", created.Name).
		WithField("version", in.VersionLabel).
		WithField("env", string(created.EnvKind)).
		Info("module registered")
	return created, nil
}

// UploadVersion adds a version to an existing module; the new version
// auto-activates and every other deployment is deactivated.
func (s *Service) UploadVersion(ctx context.Context, name string, in VersionInput, operator string) (module.Version, error) {
	mod, err := s.store.GetModuleByName(ctx, name)
	if err != nil {
		return module.Version{}, err
	}
	if in.Label == "" {
		return module.Version{}, fmt.Errorf("%w: version label is required", module.ErrBadInput)
	}
	if err := checkPayload(mod.EnvKind, in.Code, in.ArtifactDir); err != nil {
		return module.Version{}, err
	}

	if mod.EnvKind != module.EnvInline {
		extracted, err := s.validator.Run(ctx, in.ArtifactDir)
		if err != nil {
			return module.Version{}, err
		}
		if err := s.artifacts.StoreSource(mod.Name, in.Label, extracted); err != nil {
			return module.Version{}, err
		}
	}

	ver, err := s.store.AddVersion(ctx, mod.ID, module.Version{
		Label:       in.Label,
		Code:        in.Code,
		Description: in.Description,
		Changelog:   in.Changelog,
	}, operator)
	if err != nil {
		if mod.EnvKind != module.EnvInline {
			_ = s.artifacts.RemoveSource(mod.Name, in.Label)
		}
		return module.Version{}, err
	}

	s.restageIfDeployed(mod, ver.Label)

	s.log.WithField("module", mod.Name).
		WithField("version", ver.Label).
		Info("version uploaded")
	return ver, nil
}

// Activate flips the active deployment to the given version label.
func (s *Service) Activate(ctx context.Context, name, versionLabel, operator string) error {
	return s.setActive(ctx, name, versionLabel, module.ActionActivate, operator)
}

// Rollback is activation of an older label; only the history action differs.
func (s *Service) Rollback(ctx context.Context, name, versionLabel, operator string) error {
	return s.setActive(ctx, name, versionLabel, module.ActionRollback, operator)
}

func (s *Service) setActive(ctx context.Context, name, versionLabel string, action module.HistoryAction, operator string) error {
	mod, err := s.store.GetModuleByName(ctx, name)
	if err != nil {
		return err
	}
	ver, err := s.store.GetVersionByLabel(ctx, mod.ID, versionLabel)
	if err != nil {
		return err
	}
	if err := s.store.SetActiveVersion(ctx, mod.ID, ver.ID, action, operator); err != nil {
		return err
	}

	s.restageIfDeployed(mod, ver.Label)

	s.log.WithField("module", name).
		WithField("version", versionLabel).
		WithField("action", string(action)).
		Info("deployment switched")
	return nil
}

// Deactivate marks the version's deployment inactive, leaving the module
// with no active deployment.
func (s *Service) Deactivate(ctx context.Context, name, versionLabel, operator string) error {
	mod, err := s.store.GetModuleByName(ctx, name)
	if err != nil {
		return err
	}
	ver, err := s.store.GetVersionByLabel(ctx, mod.ID, versionLabel)
	if err != nil {
		return err
	}
	if err := s.store.DeactivateVersion(ctx, mod.ID, ver.ID, operator); err != nil {
		return err
	}
	s.log.WithField("module", name).WithField("version", versionLabel).Info("deployment deactivated")
	return nil
}

// Delete performs the logical delete, then purges disk state best-effort in
// dependency order: live containers, environment directory, source trees.
// Purge failures are logged, never surfaced, since the logical state is
// already deleted.
func (s *Service) Delete(ctx context.Context, name string) error {
	mod, err := s.store.GetModuleByName(ctx, name)
	if err != nil {
		return err
	}
	if err := s.store.MarkModuleDeleted(ctx, mod.ID); err != nil {
		return err
	}

	if s.reaper != nil {
		if err := s.reaper.KillByLabel(ctx, moduleLabel, mod.Name); err != nil {
			s.log.WithError(err).WithField("module", name).Warn("container reap failed during delete")
		}
	}
	if s.provisioner != nil {
		if err := s.provisioner.Destroy(ctx, mod); err != nil {
			s.log.WithError(err).WithField("module", name).Warn("runtime teardown failed during delete")
		}
	}
	if err := s.artifacts.RemoveEnv(mod.Name); err != nil {
		s.log.WithError(err).WithField("module", name).Warn("env dir removal failed during delete")
	}
	if err := s.artifacts.RemoveSource(mod.Name); err != nil {
		s.log.WithError(err).WithField("module", name).Warn("source removal failed during delete")
	}

	s.log.WithField("module", name).Info("module deleted")
	return nil
}

// Deploy stages the active version's sources into the environment directory
// and provisions the runtime for the module's kind.
func (s *Service) Deploy(ctx context.Context, name string) error {
	mod, ver, err := s.ResolveActive(ctx, name)
	if err != nil {
		return err
	}

	if mod.EnvKind != module.EnvInline {
		lock := s.provisioner.Lock(mod.Name)
		lock.Lock()
		err = s.artifacts.StageActive(mod.Name, ver.Label)
		lock.Unlock()
		if err != nil {
			return err
		}
	}

	if err := s.provisioner.Provision(ctx, mod); err != nil {
		return err
	}
	if mod.EnvKind == module.EnvContainer {
		if err := s.store.SetModuleImageTag(ctx, mod.ID, provision.ImageTag(mod)); err != nil {
			return err
		}
	}
	s.log.WithField("module", name).WithField("version", ver.Label).Info("module deployed")
	return nil
}

// Undeploy destroys the provisioned runtime and environment directory.
func (s *Service) Undeploy(ctx context.Context, name string) error {
	mod, err := s.store.GetModuleByName(ctx, name)
	if err != nil {
		return err
	}
	if err := s.provisioner.Destroy(ctx, mod); err != nil {
		s.log.WithError(err).WithField("module", name).Warn("runtime teardown failed")
	}
	return s.artifacts.RemoveEnv(mod.Name)
}

// ResolveActive returns the module and the version referenced by its active
// deployment. Implements the executor resolver contract.
func (s *Service) ResolveActive(ctx context.Context, name string) (module.Module, module.Version, error) {
	mod, err := s.store.GetModuleByName(ctx, name)
	if err != nil {
		return module.Module{}, module.Version{}, err
	}
	dep, err := s.store.ActiveDeployment(ctx, mod.ID)
	if err != nil {
		return module.Module{}, module.Version{}, err
	}
	ver, err := s.store.GetVersion(ctx, dep.VersionID)
	if err != nil {
		return module.Module{}, module.Version{}, err
	}
	return mod, ver, nil
}

// Get fetches a module by name.
func (s *Service) Get(ctx context.Context, name string) (module.Module, error) {
	return s.store.GetModuleByName(ctx, name)
}

// List returns all non-deleted modules.
func (s *Service) List(ctx context.Context) ([]module.Module, error) {
	return s.store.ListModules(ctx)
}

// UpdateMeta edits description and tags.
func (s *Service) UpdateMeta(ctx context.Context, name, description string, tags []string) (module.Module, error) {
	mod, err := s.store.GetModuleByName(ctx, name)
	if err != nil {
		return module.Module{}, err
	}
	return s.store.UpdateModuleMeta(ctx, mod.ID, description, tags)
}

// ListVersions returns the module's versions with deployment status.
func (s *Service) ListVersions(ctx context.Context, name string) ([]module.VersionInfo, error) {
	mod, err := s.store.GetModuleByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, mod.ID)
}

// History returns the lifecycle audit trail.
func (s *Service) History(ctx context.Context, name string) ([]module.HistoryEntry, error) {
	mod, err := s.store.GetModuleByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, mod.ID)
}

// restageIfDeployed re-stages sources when the module already has an
// environment on disk so executions pick up the newly active version.
// Best effort: a deploy can always redo it.
func (s *Service) restageIfDeployed(mod module.Module, versionLabel string) {
	if mod.EnvKind == module.EnvInline {
		return
	}
	if info, err := os.Stat(s.artifacts.EnvDir(mod.Name)); err != nil || !info.IsDir() {
		return
	}
	lock := s.provisioner.Lock(mod.Name)
	lock.Lock()
	err := s.artifacts.StageActive(mod.Name, versionLabel)
	lock.Unlock()
	if err != nil {
		s.log.WithError(err).WithField("module", mod.Name).Warn("restage after activation failed")
	}
}

// checkPayload enforces that inline modules carry code and nothing else,
// and other kinds carry an artifact and no code.
func checkPayload(kind module.EnvKind, code, artifactDir string) error {
	if kind == module.EnvInline {
		if strings.TrimSpace(code) == "" {
			return fmt.Errorf("%w: inline modules require code", module.ErrBadInput)
		}
		if artifactDir != "" {
			return fmt.Errorf("%w: inline modules do not accept artifacts", module.ErrBadInput)
		}
		return nil
	}
	if code != "" {
		return fmt.Errorf("%w: %s modules do not accept inline code", module.ErrBadInput, kind)
	}
	if artifactDir == "" {
		return fmt.Errorf("%w: %s modules require an artifact", module.ErrBadInput, kind)
	}
	return nil
}
