package provision

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/operato/modrunner/internal/artifact"
	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/internal/domain/oplog"
	"github.com/operato/modrunner/internal/storage/memory"
)

func newProvisioner(t *testing.T, cfg Config) (*Provisioner, *artifact.Store, *memory.Store) {
	t.Helper()
	store := memory.New()
	artifacts, err := artifact.New(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	return New(artifacts, store, nil, cfg, nil), artifacts, store
}

func TestEnvAndImageNames(t *testing.T) {
	mod := module.Module{ID: "42", Name: "add"}
	if EnvName(mod) != "mod_42" {
		t.Fatalf("unexpected env name %q", EnvName(mod))
	}
	if ImageTag(mod) != "mod_42:latest" {
		t.Fatalf("unexpected image tag %q", ImageTag(mod))
	}
}

func TestInlineNeedsNoProvisioning(t *testing.T) {
	p, _, _ := newProvisioner(t, Config{})
	mod := module.Module{ID: "1", Name: "add", EnvKind: module.EnvInline}

	if err := p.Provision(context.Background(), mod); err != nil {
		t.Fatalf("inline provisioning must be a no-op: %v", err)
	}
}

func TestUnknownKindFails(t *testing.T) {
	p, _, _ := newProvisioner(t, Config{})
	mod := module.Module{ID: "1", Name: "add", EnvKind: module.EnvKind("virtualenv")}

	if err := p.Provision(context.Background(), mod); err == nil {
		t.Fatalf("expected failure for unknown kind")
	}
}

func TestVenvFailureRecordsValidationLog(t *testing.T) {
	p, _, store := newProvisioner(t, Config{PythonBin: "/bin/false"})
	mod := module.Module{ID: "1", Name: "add", EnvKind: module.EnvSubprocess}

	err := p.Provision(context.Background(), mod)
	if err == nil {
		t.Fatalf("expected venv creation to fail")
	}
	provErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if provErr.Kind != module.EnvSubprocess {
		t.Fatalf("unexpected kind %s", provErr.Kind)
	}

	rows, listErr := store.ListValidationLogs(context.Background(), 0)
	if listErr != nil {
		t.Fatalf("list logs: %v", listErr)
	}
	fails := 0
	for _, row := range rows {
		if row.Status == oplog.ValidationFail {
			fails++
		}
	}
	if fails != 1 {
		t.Fatalf("expected one fail row, got %d", fails)
	}
}

func TestContainerWithoutBuilderFails(t *testing.T) {
	p, _, _ := newProvisioner(t, Config{})
	mod := module.Module{ID: "1", Name: "add", EnvKind: module.EnvContainer}

	err := p.Provision(context.Background(), mod)
	provErr, ok := err.(*Error)
	if !ok || !strings.Contains(provErr.Stderr, "not available") {
		t.Fatalf("expected builder-unavailable error, got %v", err)
	}
}

func TestDestroySubprocessRemovesRuntime(t *testing.T) {
	p, artifacts, _ := newProvisioner(t, Config{})
	mod := module.Module{ID: "1", Name: "add", EnvKind: module.EnvSubprocess}

	if err := os.MkdirAll(artifacts.RuntimeDir("add"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := p.Destroy(context.Background(), mod); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if artifacts.HasRuntime("add") {
		t.Fatalf("runtime survived destroy")
	}
}

func TestLockIsPerModule(t *testing.T) {
	p, _, _ := newProvisioner(t, Config{})

	a := p.Lock("add")
	b := p.Lock("mul")
	if a == b {
		t.Fatalf("different modules must not share a lock")
	}
	if p.Lock("add") != a {
		t.Fatalf("same module must reuse its lock")
	}
}
