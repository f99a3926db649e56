package executor

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/operato/modrunner/internal/artifact"
	"github.com/operato/modrunner/internal/domain/execution"
	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/internal/provision"
	"github.com/operato/modrunner/pkg/logger"
)

// NamedEnvExecutor runs the handler through the external environment
// manager's "run in named environment" command. Marshalling is identical to
// the subprocess backend.
type NamedEnvExecutor struct {
	resolver  Resolver
	artifacts *artifact.Store
	condaBin  string
	timeout   time.Duration
	log       *logger.Logger
}

// NewNamedEnv constructs the conda-backed executor.
func NewNamedEnv(resolver Resolver, artifacts *artifact.Store, condaBin string, timeout time.Duration, log *logger.Logger) *NamedEnvExecutor {
	if condaBin == "" {
		condaBin = "conda"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.NewDefault("named_env")
	}
	return &NamedEnvExecutor{resolver: resolver, artifacts: artifacts, condaBin: condaBin, timeout: timeout, log: log}
}

func (e *NamedEnvExecutor) Kind() module.EnvKind { return module.EnvNamedEnv }

func (e *NamedEnvExecutor) Cleanup() error { return nil }

// Validate checks the environment manager is installed and the module's
// named environment exists.
func (e *NamedEnvExecutor) Validate(ctx context.Context, moduleName string) bool {
	mod, _, err := e.resolver.ResolveActive(ctx, moduleName)
	if err != nil {
		return false
	}
	out, err := exec.CommandContext(ctx, e.condaBin, "env", "list", "--json").Output()
	if err != nil {
		return false
	}
	var listing struct {
		Envs []string `json:"envs"`
	}
	if err := json.Unmarshal(out, &listing); err != nil {
		return false
	}
	name := provision.EnvName(mod)
	for _, env := range listing.Envs {
		if strings.HasSuffix(env, name) {
			return true
		}
	}
	return false
}

func (e *NamedEnvExecutor) Execute(ctx context.Context, req execution.Request) (execution.Result, error) {
	start := time.Now()

	mod, _, err := e.resolver.ResolveActive(ctx, req.ModuleName)
	if err != nil {
		return execution.Result{}, err
	}

	s, err := newScratch(e.artifacts.EnvDir(req.ModuleName), req.Input)
	if err != nil {
		return execution.Result{}, err
	}
	defer s.remove()

	exitCode, stdout, stderr, timedOut, err := runDriver(ctx, e.timeout,
		e.condaBin, "run", "-n", provision.EnvName(mod), "python", s.scriptPath)
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
