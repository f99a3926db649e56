// Package docker wraps the Docker Engine API for image builds and one-shot
// module containers.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Client is a thin wrapper over the engine API client.
type Client struct {
	api *client.Client
}

// NewClient connects using the environment (DOCKER_HOST etc.) and verifies
// the daemon responds.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return &Client{api: cli}, nil
}

func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

// BuildImage builds contextDir into an image with the given tag and returns
// the daemon's build output. The context directory must contain a Dockerfile.
func (c *Client) BuildImage(ctx context.Context, tag, contextDir string) (string, error) {
	buildCtx, err := tarDirectory(contextDir)
	if err != nil {
		return "", err
	}
	resp, err := c.api.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	output, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return string(output), readErr
	}
	// The build stream reports failures inline rather than via the call error.
	if idx := strings.LastIndex(string(output), `"error"`); idx >= 0 {
		return string(output), fmt.Errorf("image build failed for %s", tag)
	}
	return string(output), nil
}

// RemoveImage force-removes the tag; a missing image is not an error.
func (c *Client) RemoveImage(ctx context.Context, tag string) error {
	_, err := c.api.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// HasImage reports whether the tag exists locally.
func (c *Client) HasImage(ctx context.Context, tag string) bool {
	_, _, err := c.api.ImageInspectWithRaw(ctx, tag)
	return err == nil
}

// RunSpec describes a one-shot container run.
type RunSpec struct {
	Image    string
	Cmd      []string
	Binds    []string
	WorkDir  string
	Labels   map[string]string
	Memory   int64 // bytes, 0 = unlimited
	NanoCPUs int64 // 1e9 = one CPU, 0 = unlimited
}

// RunResult carries the container's exit status and demuxed output streams.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Run creates and starts a container without network access, waits for it to
// terminate (or ctx to expire), collects its output and removes it. On ctx
// expiry the container is killed before removal and ctx.Err() is returned.
func (c *Client) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		WorkingDir: spec.WorkDir,
		Labels:     spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Binds:       spec.Binds,
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   spec.Memory,
			NanoCPUs: spec.NanoCPUs,
		},
	}

	created, err := c.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return RunResult{}, err
	}
	id := created.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.api.ContainerRemove(removeCtx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	}()

	if err := c.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return RunResult{}, err
	}

	waitCh, errCh := c.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case status := <-waitCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if err != nil {
			killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = c.api.ContainerKill(killCtx, id, "KILL")
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return RunResult{}, ctx.Err()
			}
			return RunResult{}, err
		}
	}

	stdout, stderr, logErr := c.containerOutput(id)
	if logErr != nil {
		return RunResult{ExitCode: exitCode}, nil
	}
	return RunResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}

// KillByLabel force-removes every container carrying the label pair. Used by
// module deletion to reap stragglers.
func (c *Client) KillByLabel(ctx context.Context, key, value string) error {
	list, err := c.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return err
	}
	for _, item := range list {
		if item.Labels[key] != value {
			continue
		}
		if err := c.api.ContainerRemove(ctx, item.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) containerOutput(id string) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reader, err := c.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		_, _ = io.Copy(&stdout, reader)
	}
	return stdout.String(), stderr.String(), nil
}

// tarDirectory packs dir into an in-memory tar stream for the build context.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
