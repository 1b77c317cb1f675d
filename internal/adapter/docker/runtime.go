// Package docker implements the container runtime port against the Docker
// Engine API.
package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"vigil/internal/integrity"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

var _ integrity.ContainerRuntime = (*Runtime)(nil)

// Runtime implements integrity.ContainerRuntime using the Docker Engine API.
type Runtime struct {
	cli *client.Client
}

// NewRuntime creates a Runtime with a new Docker client from the environment.
func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

// NewRuntimeFromClient wraps an existing Docker client.
func NewRuntimeFromClient(cli *client.Client) *Runtime {
	return &Runtime{cli: cli}
}

// WaitReady polls the daemon until it answers or ctx expires.
func (r *Runtime) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := r.cli.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", integrity.ErrRuntimeUnavailable, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Runtime) ContainerInspect(ctx context.Context, name string) (integrity.ContainerInfo, error) {
	info, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return integrity.ContainerInfo{Exists: false}, nil
		}
		return integrity.ContainerInfo{}, fmt.Errorf("inspect container %q: %w", name, err)
	}
	running := info.State != nil && info.State.Running
	return integrity.ContainerInfo{Exists: true, Running: running}, nil
}

func (r *Runtime) ContainerStart(ctx context.Context, name string) error {
	return r.cli.ContainerStart(ctx, name, container.StartOptions{})
}

func (r *Runtime) ContainerStop(ctx context.Context, name string) error {
	return r.cli.ContainerStop(ctx, name, container.StopOptions{})
}

// ExportFilesystem streams the container's root filesystem as a tar
// archive, the same stream `docker export` produces.
func (r *Runtime) ExportFilesystem(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := r.cli.ContainerExport(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("export container %q: %w", name, err)
	}
	return rc, nil
}

// ReplaceFilesystem re-creates the container from the archive: the tar is
// imported as a flat image and a new container with the old container's
// config is created under the same name. The engine has no in-place
// filesystem overwrite, and a partial overwrite would leave tampered
// files behind; re-creation replaces everything.
func (r *Runtime) ReplaceFilesystem(ctx context.Context, name string, archive io.Reader) error {
	info, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		return fmt.Errorf("inspect container %q: %w", name, err)
	}
	if info.Config == nil {
		return fmt.Errorf("container %q has no config", name)
	}

	ref := fmt.Sprintf("vigil/restore-%s:%d", name, time.Now().Unix())
	resp, err := r.cli.ImageImport(ctx, image.ImportSource{Source: archive, SourceName: "-"}, ref, image.ImportOptions{})
	if err != nil {
		return fmt.Errorf("import archive for %q: %w", name, err)
	}
	_, _ = io.Copy(io.Discard, resp)
	_ = resp.Close()

	if err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container %q: %w", name, err)
	}

	// Imported images carry no config; reuse the old container's.
	cfg := info.Config
	cfg.Image = ref
	if _, err := r.cli.ContainerCreate(ctx, cfg, info.HostConfig, nil, nil, name); err != nil {
		return fmt.Errorf("recreate container %q: %w", name, err)
	}
	return nil
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}
