// Package executor runs module handlers behind one contract with four
// backends: in-process script evaluation, an isolated venv subprocess, a
// named external environment and a one-shot container.
package executor

import (
	"context"
	"time"

	"github.com/operato/modrunner/internal/domain/execution"
	"github.com/operato/modrunner/internal/domain/module"
)

// DefaultTimeout bounds one handler invocation wall-clock.
const DefaultTimeout = 60 * time.Second

// timeoutMessage is the distinguished stderr text for expired executions.
const timeoutMessage = "Execution timed out after 60 seconds"

// Executor is the backend contract. Execute returns an error only for
// platform faults; handler failures come back as a Result with a non-zero
// exit code.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) (execution.Result, error)
	Validate(ctx context.Context, moduleName string) bool
	Cleanup() error
	Kind() module.EnvKind
}

// Resolver looks up a module and the version bound by its active deployment.
// The registry satisfies this.
type Resolver interface {
	ResolveActive(ctx context.Context, name string) (module.Module, module.Version, error)
}
