package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/operato/modrunner/internal/domain/execution"
	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/internal/metrics"
	"github.com/operato/modrunner/pkg/logger"
)

// Manager routes execution requests to the backend matching the module's
// declared environment kind.
type Manager struct {
	resolver  Resolver
	executors map[module.EnvKind]Executor
	log       *logger.Logger
}

// NewManager constructs an empty manager; wire backends with Register.
func NewManager(resolver Resolver, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("executor")
	}
	return &Manager{
		resolver:  resolver,
		executors: make(map[module.EnvKind]Executor),
		log:       log,
	}
}

// Register wires a backend in, replacing any previous one for the kind.
func (m *Manager) Register(kind module.EnvKind, exec Executor) {
	m.executors[kind] = exec
}

// AvailableKinds lists the wired environment kinds.
func (m *Manager) AvailableKinds() []module.EnvKind {
	kinds := make([]module.EnvKind, 0, len(m.executors))
	for kind := range m.executors {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Cleanup releases every backend's resources.
func (m *Manager) Cleanup() error {
	var firstErr error
	for _, exec := range m.executors {
		if err := exec.Cleanup(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Execute resolves the module, picks its backend and delegates. Routing
// failures come back as a Result with exit code 1, never as an error; the
// platform distinguishes them from its own faults.
func (m *Manager) Execute(ctx context.Context, req execution.Request) (execution.Result, error) {
	start := time.Now()

	mod, _, err := m.resolver.ResolveActive(ctx, req.ModuleName)
	if err != nil {
		return failure(fmt.Sprintf("Module '%s' cannot be executed: %v", req.ModuleName, err)), nil
	}

	exec, ok := m.executors[mod.EnvKind]
	if !ok {
		return failure(fmt.Sprintf("No executor available for environment '%s'", mod.EnvKind)), nil
	}
	if !exec.Validate(ctx, mod.Name) {
		return failure(fmt.Sprintf("Module '%s' cannot be executed in environment '%s'", mod.Name, mod.EnvKind)), nil
	}

	result, err := exec.Execute(ctx, req)
	if err != nil {
		return execution.Result{}, err
	}
	metrics.RecordExecution(string(mod.EnvKind), result.ExitCode, time.Since(start))
	if result.ExitCode != 0 {
		m.log.WithField("module", mod.Name).
			WithField("exit_code", result.ExitCode).
			Warn("module execution failed")
	}
	return result, nil
}

func failure(reason string) execution.Result {
	return execution.Result{ExitCode: 1, Stderr: reason}
}
