package executor

import (
	"context"
	"path/filepath"
	"runtime"
	"time"

	"github.com/operato/modrunner/internal/artifact"
	"github.com/operato/modrunner/internal/domain/execution"
	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/pkg/logger"
)

// SubprocessExecutor runs the handler in the module's provisioned venv
// interpreter. The staged source directory is prepended to the interpreter's
// module search path so handler resolves from the active sources.
type SubprocessExecutor struct {
	artifacts *artifact.Store
	timeout   time.Duration
	log       *logger.Logger
}

// NewSubprocess constructs the venv-backed executor.
func NewSubprocess(artifacts *artifact.Store, timeout time.Duration, log *logger.Logger) *SubprocessExecutor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.NewDefault("subprocess")
	}
	return &SubprocessExecutor{artifacts: artifacts, timeout: timeout, log: log}
}

func (e *SubprocessExecutor) Kind() module.EnvKind { return module.EnvSubprocess }

func (e *SubprocessExecutor) Cleanup() error { return nil }

// Validate requires a provisioned runtime for the module.
func (e *SubprocessExecutor) Validate(_ context.Context, moduleName string) bool {
	return e.artifacts.HasRuntime(moduleName)
}

func (e *SubprocessExecutor) Execute(ctx context.Context, req execution.Request) (execution.Result, error) {
	start := time.Now()

	s, err := newScratch(e.artifacts.EnvDir(req.ModuleName), req.Input)
	if err != nil {
		return execution.Result{}, err
	}
	defer s.remove()

	python := filepath.Join(e.artifacts.RuntimeDir(req.ModuleName), "bin", "python")
	if runtime.GOOS == "windows" {
		python = filepath.Join(e.artifacts.RuntimeDir(req.ModuleName), "Scripts", "python.exe")
	}

	exitCode, stdout, stderr, timedOut, err := runDriver(ctx, e.timeout, python, s.scriptPath)
	if err != nil {
		return execution.Result{}, err
	}
	if timedOut {
		e.log.WithField("module", req.ModuleName).Warn("execution timed out")
		return execution.Result{
			ExitCode: execution.ExitTimeout,
			Stderr:   timeoutMessage,
			Duration: time.Since(start).Seconds(),
		}, nil
	}

	return execution.Result{
		Result:   s.readOutput(),
		ExitCode: exitCode,
		Stderr:   stderr,
		Stdout:   stdout,
		Duration: time.Since(start).Seconds(),
	}, nil
}
