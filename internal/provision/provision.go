// Package provision materializes per-module runtimes for each environment
// kind: venv interpreters, named conda environments and container images.
package provision

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/operato/modrunner/internal/artifact"
	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/internal/domain/oplog"
	"github.com/operato/modrunner/internal/metrics"
	"github.com/operato/modrunner/internal/storage"
	"github.com/operato/modrunner/pkg/logger"
)

// Error reports a failed provisioning step with the tool's stderr.
type Error struct {
	Kind   module.EnvKind
	Stderr string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provisioning %s environment failed: %s", e.Kind, strings.TrimSpace(e.Stderr))
}

// ImageBuilder builds and removes container images. Satisfied by the docker
// platform client.
type ImageBuilder interface {
	BuildImage(ctx context.Context, tag, contextDir string) (string, error)
	RemoveImage(ctx context.Context, tag string) error
}

// Config carries the tool locations and image parameters.
type Config struct {
	PythonBin string
	CondaBin  string
	BaseImage string
}

func (c *Config) applyDefaults() {
	if c.PythonBin == "" {
		c.PythonBin = "python3"
	}
	if c.CondaBin == "" {
		c.CondaBin = "conda"
	}
	if c.BaseImage == "" {
		c.BaseImage = "python:3.10-slim"
	}
}

// Provisioner creates and destroys module runtimes. Per-module locks
// serialize provisioning against source staging.
type Provisioner struct {
	artifacts *artifact.Store
	logs      storage.LogStore
	images    ImageBuilder
	cfg       Config
	log       *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a provisioner. images may be nil when no container daemon is
// available; provisioning container modules then fails with a clear error.
func New(artifacts *artifact.Store, logs storage.LogStore, images ImageBuilder, cfg Config, log *logger.Logger) *Provisioner {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewDefault("provision")
	}
	return &Provisioner{
		artifacts: artifacts,
		logs:      logs,
		images:    images,
		cfg:       cfg,
		log:       log,
		locks:     make(map[string]*sync.Mutex),
	}
}

// EnvName is the external name of a module's named environment.
func EnvName(mod module.Module) string { return "mod_" + mod.ID }

// ImageTag is the container image tag built for a module.
func ImageTag(mod module.Module) string { return "mod_" + mod.ID + ":latest" }

// Lock returns the per-module mutex guarding environment writes.
func (p *Provisioner) Lock(name string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[name] = lock
	}
	return lock
}

// Provision materializes the runtime for the module's kind. The environment
// directory must already hold the staged sources. Partial state is left on
// disk for diagnosis and overwritten on the next attempt.
func (p *Provisioner) Provision(ctx context.Context, mod module.Module) (err error) {
	lock := p.Lock(mod.Name)
	lock.Lock()
	defer lock.Unlock()
	defer func() { metrics.RecordProvision(string(mod.EnvKind), err) }()

	switch mod.EnvKind {
	case module.EnvInline:
		return nil
	case module.EnvSubprocess:
		err = p.provisionVenv(ctx, mod)
	case module.EnvNamedEnv:
		err = p.provisionNamedEnv(ctx, mod)
	case module.EnvContainer:
		err = p.provisionImage(ctx, mod)
	default:
		err = fmt.Errorf("unknown environment kind %q", mod.EnvKind)
	}
	if err != nil {
		p.recordFailure(ctx, mod, err)
	}
	return err
}

// Destroy tears down the runtime created by Provision. Best effort; the
// caller decides whether failures matter.
func (p *Provisioner) Destroy(ctx context.Context, mod module.Module) error {
	lock := p.Lock(mod.Name)
	lock.Lock()
	defer lock.Unlock()

	switch mod.EnvKind {
	case module.EnvSubprocess:
		return os.RemoveAll(p.artifacts.RuntimeDir(mod.Name))
	case module.EnvNamedEnv:
		out, err := exec.CommandContext(ctx, p.cfg.CondaBin, "env", "remove", "-y", "-n", EnvName(mod)).CombinedOutput()
		if err != nil {
			return fmt.Errorf("conda env remove: %s", strings.TrimSpace(string(out)))
		}
		return nil
	case module.EnvContainer:
		if p.images == nil {
			return nil
		}
		return p.images.RemoveImage(ctx, ImageTag(mod))
	default:
		return nil
	}
}

func (p *Provisioner) provisionVenv(ctx context.Context, mod module.Module) error {
	runtimeDir := p.artifacts.RuntimeDir(mod.Name)
	if info, err := os.Stat(runtimeDir); err == nil && info.IsDir() {
		p.log.WithField("module", mod.Name).Debug("venv already provisioned")
	} else {
		if out, err := exec.CommandContext(ctx, p.cfg.PythonBin, "-m", "venv", runtimeDir).CombinedOutput(); err != nil {
			return &Error{Kind: mod.EnvKind, Stderr: string(out)}
		}
	}

	reqs := filepath.Join(p.artifacts.EnvDir(mod.Name), "requirements.txt")
	if _, err := os.Stat(reqs); err != nil {
		return nil
	}
	pip := filepath.Join(runtimeDir, "bin", "pip")
	if runtime.GOOS == "windows" {
		pip = filepath.Join(runtimeDir, "Scripts", "pip.exe")
	}
	cmd := exec.CommandContext(ctx, pip, "install", "-r", reqs)
	cmd.Env = append(os.Environ(), "PIP_DISABLE_PIP_VERSION_CHECK=1")
	if out, err := cmd.CombinedOutput(); err != nil {
		return &Error{Kind: mod.EnvKind, Stderr: string(out)}
	}
	p.log.WithField("module", mod.Name).Info("venv provisioned")
	return nil
}

func (p *Provisioner) provisionNamedEnv(ctx context.Context, mod module.Module) error {
	name := EnvName(mod)
	if out, err := exec.CommandContext(ctx, p.cfg.CondaBin, "create", "-y", "-n", name, "python").CombinedOutput(); err != nil {
		return &Error{Kind: mod.EnvKind, Stderr: string(out)}
	}

	reqs := filepath.Join(p.artifacts.EnvDir(mod.Name), "requirements.txt")
	if _, err := os.Stat(reqs); err == nil {
		cmd := exec.CommandContext(ctx, p.cfg.CondaBin, "run", "-n", name, "pip", "install", "-r", reqs)
		if out, err := cmd.CombinedOutput(); err != nil {
			return &Error{Kind: mod.EnvKind, Stderr: string(out)}
		}
	}
	p.log.WithField("module", mod.Name).WithField("env", name).Info("named environment provisioned")
	return nil
}

func (p *Provisioner) provisionImage(ctx context.Context, mod module.Module) error {
	if p.images == nil {
		return &Error{Kind: mod.EnvKind, Stderr: "container builder not available"}
	}

	buildDir, err := os.MkdirTemp("", "modrunner-build-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(buildDir)

	if err := p.artifacts.CopyEnvTo(mod.Name, buildDir); err != nil {
		return &Error{Kind: mod.EnvKind, Stderr: err.Error()}
	}
	if err := os.WriteFile(filepath.Join(buildDir, "Dockerfile"), []byte(p.dockerfile(mod)), 0o644); err != nil {
		return err
	}

	tag := ImageTag(mod)
	output, err := p.images.BuildImage(ctx, tag, buildDir)
	if err != nil {
		return &Error{Kind: mod.EnvKind, Stderr: output}
	}
	p.log.WithField("module", mod.Name).WithField("image", tag).Info("image built")
	return nil
}

func (p *Provisioner) dockerfile(mod module.Module) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", p.cfg.BaseImage)
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY . /app\n")
	if _, err := os.Stat(filepath.Join(p.artifacts.EnvDir(mod.Name), "requirements.txt")); err == nil {
		b.WriteString("RUN pip install --no-cache-dir -r requirements.txt\n")
	}
	return b.String()
}

func (p *Provisioner) recordFailure(ctx context.Context, mod module.Module, err error) {
	message := err.Error()
	if provErr, ok := err.(*Error); ok {
		message = strings.TrimSpace(provErr.Stderr)
	}
	_, _ = p.logs.AppendValidationLog(ctx, oplog.ValidationLog{
		Filename: mod.Name,
		Status:   oplog.ValidationFail,
		Message:  message,
	})
	p.log.WithError(err).WithField("module", mod.Name).Warn("provisioning failed")
}
