package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/operato/modrunner/internal/domain/execution"
	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/internal/platform/docker"
	"github.com/operato/modrunner/internal/provision"
	"github.com/operato/modrunner/pkg/logger"
)

// moduleLabel tags containers with the module they serve so deletion can
// reap stragglers.
const moduleLabel = "modrunner.module"

// ContainerConfig bounds the resources of one module container.
type ContainerConfig struct {
	MemoryMB int64
	CPUQuota float64 // fraction of one CPU, e.g. 0.5
}

func (c *ContainerConfig) applyDefaults() {
	if c.MemoryMB <= 0 {
		c.MemoryMB = 512
	}
	if c.CPUQuota <= 0 {
		c.CPUQuota = 0.5
	}
}

// ContainerExecutor runs the handler inside the module's built image. The
// scratch directory is bind-mounted at /data; the container runs without
// network access and is removed after termination.
type ContainerExecutor struct {
	resolver Resolver
	client   *docker.Client
	cfg      ContainerConfig
	timeout  time.Duration
	log      *logger.Logger
}

// NewContainer constructs the container-backed executor.
func NewContainer(resolver Resolver, client *docker.Client, cfg ContainerConfig, timeout time.Duration, log *logger.Logger) *ContainerExecutor {
	cfg.applyDefaults()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.NewDefault("container")
	}
	return &ContainerExecutor{resolver: resolver, client: client, cfg: cfg, timeout: timeout, log: log}
}

func (e *ContainerExecutor) Kind() module.EnvKind { return module.EnvContainer }

// Cleanup closes the Docker client. Each run's container is already removed
// by the client's Run.
func (e *ContainerExecutor) Cleanup() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

// Validate requires the module's image to exist locally.
func (e *ContainerExecutor) Validate(ctx context.Context, moduleName string) bool {
	if e.client == nil {
		return false
	}
	mod, _, err := e.resolver.ResolveActive(ctx, moduleName)
	if err != nil {
		return false
	}
	return e.client.HasImage(ctx, e.imageTag(mod))
}

func (e *ContainerExecutor) Execute(ctx context.Context, req execution.Request) (execution.Result, error) {
	start := time.Now()

	mod, _, err := e.resolver.ResolveActive(ctx, req.ModuleName)
	if err != nil {
		return execution.Result{}, err
	}

	dataDir, err := os.MkdirTemp("", "modrunner-run-*")
	if err != nil {
		return execution.Result{}, err
	}
	defer os.RemoveAll(dataDir)

	inputJSON, err := json.Marshal(req.Input)
	if err != nil {
		return execution.Result{}, fmt.Errorf("marshal input: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "input.json"), inputJSON, 0o644); err != nil {
		return execution.Result{}, err
	}
	if err := os.WriteFile(filepath.Join(dataDir, "driver.py"), []byte(containerDriver), 0o644); err != nil {
		return execution.Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := e.client.Run(runCtx, docker.RunSpec{
		Image:    e.imageTag(mod),
		Cmd:      []string{"python", "/data/driver.py"},
		Binds:    []string{dataDir + ":/data"},
		Labels:   map[string]string{moduleLabel: mod.Name},
		Memory:   e.cfg.MemoryMB * 1024 * 1024,
		NanoCPUs: int64(e.cfg.CPUQuota * 1e9),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			e.log.WithField("module", req.ModuleName).Warn("execution timed out")
			return execution.Result{
				ExitCode: execution.ExitTimeout,
				Stderr:   timeoutMessage,
				Duration: time.Since(start).Seconds(),
			}, nil
		}
		return execution.Result{}, err
	}

	var output any
	if data, readErr := os.ReadFile(filepath.Join(dataDir, "output.json")); readErr == nil {
		_ = json.Unmarshal(data, &output)
	}

	return execution.Result{
		Result:   output,
		ExitCode: result.ExitCode,
		Stderr:   result.Stderr,
		Stdout:   result.Stdout,
		Duration: time.Since(start).Seconds(),
	}, nil
}

func (e *ContainerExecutor) imageTag(mod module.Module) string {
	if mod.ImageTag != "" {
		return mod.ImageTag
	}
	return provision.ImageTag(mod)
}

// containerDriver runs inside the image: sources live at /app, scratch files
// at the /data mount.
const containerDriver = `import json
import sys

sys.path.insert(0, '/app')

from handler import handler

with open('/data/input.json', 'r') as f:
    input_data = json.load(f)

result = handler(input_data)

with open('/data/output.json', 'w') as f:
    json.dump(result, f)
`
