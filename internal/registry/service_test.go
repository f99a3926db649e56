package registry

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/operato/modrunner/internal/artifact"
	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/internal/provision"
	"github.com/operato/modrunner/internal/storage/memory"
	"github.com/operato/modrunner/internal/validation"
)

type fixture struct {
	svc       *Service
	store     *memory.Store
	artifacts *artifact.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	artifacts, err := artifact.New(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	provisioner := provision.New(artifacts, store, nil, provision.Config{}, nil)
	svc := New(store, artifacts, validation.New(store), provisioner, nil, nil)
	return &fixture{svc: svc, store: store, artifacts: artifacts}
}

func registerInline(t *testing.T, f *fixture, name string) module.Module {
	t.Helper()
	mod, err := f.svc.Register(context.Background(), RegisterInput{
		Name:         name,
		EnvKind:      module.EnvInline,
		VersionLabel: "1.0",
		Code:         "return input['a'] + input['b']",
	}, "tester")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return mod
}

func TestRegisterInlineActivatesFirstVersion(t *testing.T) {
	f := newFixture(t)
	mod := registerInline(t, f, "add")

	if mod.CurrentVersion != "1.0" {
		t.Fatalf("expected 1.0 active, got %q", mod.CurrentVersion)
	}
	_, ver, err := f.svc.ResolveActive(context.Background(), "add")
	if err != nil {
		t.Fatalf("resolve active: %v", err)
	}
	if ver.Code == "" {
		t.Fatalf("inline active version must carry code")
	}
}

func TestRegisterRejectsNameConflictWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	registerInline(t, f, "add")

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Name:         "add",
		EnvKind:      module.EnvInline,
		VersionLabel: "9.9",
		Code:         "return 0",
	}, "tester")
	if !errors.Is(err, module.ErrNameConflict) {
		t.Fatalf("expected name conflict, got %v", err)
	}

	versions, err := f.svc.ListVersions(context.Background(), "add")
	if err != nil || len(versions) != 1 {
		t.Fatalf("conflicting register must not add versions: %v (%v)", versions, err)
	}
}

func TestRegisterValidatesPayloadShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []RegisterInput{
		{Name: "", EnvKind: module.EnvInline, VersionLabel: "1.0", Code: "return 1"},
		{Name: "x", EnvKind: module.EnvKind("virtualenv"), VersionLabel: "1.0", Code: "return 1"},
		{Name: "x", EnvKind: module.EnvInline, VersionLabel: "", Code: "return 1"},
		{Name: "x", EnvKind: module.EnvInline, VersionLabel: "1.0"},                                  // inline without code
		{Name: "x", EnvKind: module.EnvSubprocess, VersionLabel: "1.0", Code: "return 1"},            // code on non-inline
		{Name: "x", EnvKind: module.EnvInline, VersionLabel: "1.0", Code: "x", ArtifactDir: "/tmp"},  // both payloads
	}
	for i, in := range cases {
		if _, err := f.svc.Register(ctx, in, "tester"); !errors.Is(err, module.ErrBadInput) {
			t.Fatalf("case %d: expected bad input, got %v", i, err)
		}
	}
}

func TestUploadVersionAutoActivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registerInline(t, f, "add")

	if _, err := f.svc.UploadVersion(ctx, "add", VersionInput{
		Label: "2.0",
		Code:  "return input['a'] * input['b']",
	}, "tester"); err != nil {
		t.Fatalf("upload: %v", err)
	}

	versions, err := f.svc.ListVersions(ctx, "add")
	if err != nil || len(versions) != 2 {
		t.Fatalf("expected two versions: %v (%v)", versions, err)
	}
	for _, info := range versions {
		want := module.DeploymentInactive
		if info.Label == "2.0" {
			want = module.DeploymentActive
		}
		if info.DeploymentStatus != want {
			t.Fatalf("version %s: expected %s, got %s", info.Label, want, info.DeploymentStatus)
		}
	}
}

func TestRollbackRecordsHistoryAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registerInline(t, f, "add")
	if _, err := f.svc.UploadVersion(ctx, "add", VersionInput{Label: "2.0", Code: "return 2"}, "tester"); err != nil {
		t.Fatalf("upload: %v", err)
	}

	if err := f.svc.Rollback(ctx, "add", "1.0", "tester"); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	_, ver, err := f.svc.ResolveActive(ctx, "add")
	if err != nil || ver.Label != "1.0" {
		t.Fatalf("expected 1.0 active after rollback, got %v (%v)", ver.Label, err)
	}

	history, err := f.svc.History(ctx, "add")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	rollbacks := 0
	for _, entry := range history {
		if entry.Action == module.ActionRollback {
			rollbacks++
		}
	}
	if rollbacks != 1 {
		t.Fatalf("expected exactly one rollback row, got %d", rollbacks)
	}
}

func TestActivateUnknownVersion(t *testing.T) {
	f := newFixture(t)
	registerInline(t, f, "add")

	err := f.svc.Activate(context.Background(), "add", "9.9", "tester")
	if !errors.Is(err, module.ErrVersionNotFound) {
		t.Fatalf("expected version not found, got %v", err)
	}
}

func TestDeactivateLeavesNoActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registerInline(t, f, "add")

	if err := f.svc.Deactivate(ctx, "add", "1.0", "tester"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, _, err := f.svc.ResolveActive(ctx, "add"); !errors.Is(err, module.ErrNoActiveDeployment) {
		t.Fatalf("expected no active deployment, got %v", err)
	}
}

func TestDeletePurgesDirectories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registerInline(t, f, "add")

	// Simulate previously staged state on disk.
	for _, dir := range []string{f.artifacts.SourceDir("add", "1.0"), f.artifacts.RuntimeDir("add")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	if err := f.svc.Delete(ctx, "add"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := os.Stat(f.artifacts.ModuleDir("add")); !os.IsNotExist(err) {
		t.Fatalf("source dir survived delete")
	}
	if _, err := os.Stat(f.artifacts.EnvDir("add")); !os.IsNotExist(err) {
		t.Fatalf("env dir survived delete")
	}
	if _, err := f.svc.Get(ctx, "add"); !errors.Is(err, module.ErrModuleNotFound) {
		t.Fatalf("deleted module still resolvable: %v", err)
	}
}

func TestRegisterArtifactModuleStoresSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	staged := t.TempDir()
	archive, err := os.Create(filepath.Join(staged, "module.zip"))
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	zw := zip.NewWriter(archive)
	for name, content := range map[string]string{
		"handler.py":       "def handler(input):\n    return input\n",
		"requirements.txt": "",
		"README.md":        "docs",
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	mod, err := f.svc.Register(ctx, RegisterInput{
		Name:         "pipeline",
		EnvKind:      module.EnvSubprocess,
		VersionLabel: "1.0",
		ArtifactDir:  staged,
	}, "tester")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if mod.EnvKind != module.EnvSubprocess {
		t.Fatalf("unexpected kind %s", mod.EnvKind)
	}
	if _, err := os.Stat(filepath.Join(f.artifacts.SourceDir("pipeline", "1.0"), "handler.py")); err != nil {
		t.Fatalf("stored source missing: %v", err)
	}
}

func TestRegisterBadArchiveLeavesNoModule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	staged := t.TempDir()
	if err := os.WriteFile(filepath.Join(staged, "module.zip"), []byte("not a zip"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := f.svc.Register(ctx, RegisterInput{
		Name:         "broken",
		EnvKind:      module.EnvSubprocess,
		VersionLabel: "1.0",
		ArtifactDir:  staged,
	}, "tester")
	var valErr *validation.Error
	if !errors.As(err, &valErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.Get(ctx, "broken"); !errors.Is(err, module.ErrModuleNotFound) {
		t.Fatalf("bad archive must not create a module: %v", err)
	}
}
