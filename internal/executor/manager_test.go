package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/operato/modrunner/internal/domain/execution"
	"github.com/operato/modrunner/internal/domain/module"
)

type stubExecutor struct {
	kind     module.EnvKind
	valid    bool
	result   execution.Result
	err      error
	calls    int
	cleanups int
}

func (s *stubExecutor) Execute(context.Context, execution.Request) (execution.Result, error) {
	s.calls++
	return s.result, s.err
}
func (s *stubExecutor) Validate(context.Context, string) bool { return s.valid }
func (s *stubExecutor) Cleanup() error                        { s.cleanups++; return nil }
func (s *stubExecutor) Kind() module.EnvKind                  { return s.kind }

func managerWith(resolver Resolver, execs ...*stubExecutor) *Manager {
	m := NewManager(resolver, nil)
	for _, e := range execs {
		m.Register(e.kind, e)
	}
	return m
}

func TestManagerRoutesByEnvKind(t *testing.T) {
	resolver := &fakeResolver{
		mod: module.Module{ID: "1", Name: "add", EnvKind: module.EnvSubprocess},
		ver: module.Version{ID: "2"},
	}
	stub := &stubExecutor{kind: module.EnvSubprocess, valid: true, result: execution.Result{ExitCode: 0}}
	m := managerWith(resolver, stub)

	result, err := m.Execute(context.Background(), execution.Request{ModuleName: "add"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ExitCode != 0 || stub.calls != 1 {
		t.Fatalf("expected delegation to subprocess backend")
	}
}

func TestManagerUnknownModuleIsTerminalResult(t *testing.T) {
	resolver := &fakeResolver{err: module.ErrModuleNotFound}
	m := managerWith(resolver)

	result, err := m.Execute(context.Background(), execution.Request{ModuleName: "ghost"})
	if err != nil {
		t.Fatalf("routing failures must not be errors: %v", err)
	}
	if result.ExitCode != 1 || result.Stderr == "" {
		t.Fatalf("expected exit 1 with reason, got %+v", result)
	}
}

func TestManagerMissingExecutor(t *testing.T) {
	resolver := &fakeResolver{
		mod: module.Module{Name: "add", EnvKind: module.EnvContainer},
	}
	m := managerWith(resolver) // no backends wired

	result, err := m.Execute(context.Background(), execution.Request{ModuleName: "add"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ExitCode != 1 {
		t.Fatalf("expected exit 1, got %d", result.ExitCode)
	}
}

func TestManagerValidateFailure(t *testing.T) {
	resolver := &fakeResolver{
		mod: module.Module{Name: "add", EnvKind: module.EnvSubprocess},
	}
	stub := &stubExecutor{kind: module.EnvSubprocess, valid: false}
	m := managerWith(resolver, stub)

	result, err := m.Execute(context.Background(), execution.Request{ModuleName: "add"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ExitCode != 1 || stub.calls != 0 {
		t.Fatalf("expected validation short-circuit, got %+v calls=%d", result, stub.calls)
	}
}

func TestManagerPropagatesBackendErrors(t *testing.T) {
	resolver := &fakeResolver{
		mod: module.Module{Name: "add", EnvKind: module.EnvInline},
	}
	boom := errors.New("daemon unreachable")
	stub := &stubExecutor{kind: module.EnvInline, valid: true, err: boom}
	m := managerWith(resolver, stub)

	_, err := m.Execute(context.Background(), execution.Request{ModuleName: "add"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected backend error to propagate, got %v", err)
	}
}

func TestManagerAvailableKindsAndCleanup(t *testing.T) {
	a := &stubExecutor{kind: module.EnvInline}
	b := &stubExecutor{kind: module.EnvSubprocess}
	m := managerWith(&fakeResolver{}, a, b)

	kinds := m.AvailableKinds()
	if len(kinds) != 2 {
		t.Fatalf("expected 2 kinds, got %v", kinds)
	}
	if err := m.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if a.cleanups != 1 || b.cleanups != 1 {
		t.Fatalf("expected cleanup on every backend")
	}
}
