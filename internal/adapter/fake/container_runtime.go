// Package fake provides in-memory test doubles for the container runtime
// port, with per-method error injection and call recording.
package fake

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"vigil/internal/integrity"
)

var _ integrity.ContainerRuntime = (*ContainerRuntime)(nil)

// File is one entry of a fake container filesystem.
type File struct {
	Data []byte
	Mode fs.FileMode // permission bits
	Dir  bool
	Link string // non-empty means symlink
}

type containerState struct {
	Running bool
	Files   map[string]File
}

// ContainerRuntime is an in-memory implementation of
// integrity.ContainerRuntime. Exported filesystems are deterministic tar
// streams (sorted paths), so they hash reproducibly.
type ContainerRuntime struct {
	CallRecorder
	mu         sync.Mutex
	ready      bool
	containers map[string]*containerState

	WaitReadyErr         func(ctx context.Context) error
	ContainerInspectErr  func(ctx context.Context, name string) error
	ContainerStartErr    func(ctx context.Context, name string) error
	ContainerStopErr     func(ctx context.Context, name string) error
	ExportFilesystemErr  func(ctx context.Context, name string) error
	ReplaceFilesystemErr func(ctx context.Context, name string) error
}

// NewContainerRuntime creates a ContainerRuntime that is ready by default.
func NewContainerRuntime() *ContainerRuntime {
	return &ContainerRuntime{
		ready:      true,
		containers: make(map[string]*containerState),
	}
}

// AddContainer registers a container with the given filesystem.
func (r *ContainerRuntime) AddContainer(name string, running bool, files map[string]File) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs := &containerState{Running: running, Files: make(map[string]File, len(files))}
	for p, f := range files {
		cs.Files[p] = f
	}
	r.containers[name] = cs
}

// WriteFile creates or overwrites one file inside a container, simulating
// tampering with the live filesystem.
func (r *ContainerRuntime) WriteFile(name, path string, data []byte, mode fs.FileMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.containers[name]
	if !ok {
		return fmt.Errorf("container %q not found", name)
	}
	cs.Files[path] = File{Data: append([]byte(nil), data...), Mode: mode}
	return nil
}

// RemoveFile deletes one file inside a container.
func (r *ContainerRuntime) RemoveFile(name, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.containers[name]
	if !ok {
		return fmt.Errorf("container %q not found", name)
	}
	delete(cs.Files, path)
	return nil
}

// Files returns a copy of a container's filesystem.
func (r *ContainerRuntime) Files(name string) map[string]File {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.containers[name]
	if !ok {
		return nil
	}
	out := make(map[string]File, len(cs.Files))
	for p, f := range cs.Files {
		out[p] = f
	}
	return out
}

func (r *ContainerRuntime) WaitReady(ctx context.Context) error {
	r.record("WaitReady")
	if r.WaitReadyErr != nil {
		if err := r.WaitReadyErr(ctx); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return errors.New("container runtime not ready")
	}
	return nil
}

func (r *ContainerRuntime) ContainerInspect(ctx context.Context, name string) (integrity.ContainerInfo, error) {
	r.record("ContainerInspect", name)
	if r.ContainerInspectErr != nil {
		if err := r.ContainerInspectErr(ctx, name); err != nil {
			return integrity.ContainerInfo{}, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.containers[name]
	if !ok {
		return integrity.ContainerInfo{Exists: false}, nil
	}
	return integrity.ContainerInfo{Exists: true, Running: cs.Running}, nil
}

func (r *ContainerRuntime) ContainerStart(ctx context.Context, name string) error {
	r.record("ContainerStart", name)
	if r.ContainerStartErr != nil {
		if err := r.ContainerStartErr(ctx, name); err != nil {
			return err
		}
	}
	return r.setRunning(name, true)
}

func (r *ContainerRuntime) ContainerStop(ctx context.Context, name string) error {
	r.record("ContainerStop", name)
	if r.ContainerStopErr != nil {
		if err := r.ContainerStopErr(ctx, name); err != nil {
			return err
		}
	}
	return r.setRunning(name, false)
}

func (r *ContainerRuntime) setRunning(name string, running bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.containers[name]
	if !ok {
		return fmt.Errorf("container %q not found", name)
	}
	cs.Running = running
	return nil
}

// ExportFilesystem returns the container filesystem as a tar stream with
// entries in sorted path order.
func (r *ContainerRuntime) ExportFilesystem(ctx context.Context, name string) (io.ReadCloser, error) {
	r.record("ExportFilesystem", name)
	if r.ExportFilesystemErr != nil {
		if err := r.ExportFilesystemErr(ctx, name); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.containers[name]
	if !ok {
		return nil, fmt.Errorf("container %q not found", name)
	}

	paths := make([]string, 0, len(cs.Files))
	for p := range cs.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, p := range paths {
		f := cs.Files[p]
		hdr := &tar.Header{Name: p, Mode: int64(f.Mode.Perm())}
		switch {
		case f.Dir:
			hdr.Name = p + "/"
			hdr.Typeflag = tar.TypeDir
		case f.Link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = f.Link
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(f.Data))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write(f.Data); err != nil {
				return nil, err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

// ReplaceFilesystem replaces the container's filesystem with the archive
// contents.
func (r *ContainerRuntime) ReplaceFilesystem(ctx context.Context, name string, archive io.Reader) error {
	r.record("ReplaceFilesystem", name)
	if r.ReplaceFilesystemErr != nil {
		if err := r.ReplaceFilesystemErr(ctx, name); err != nil {
			return err
		}
	}

	files := make(map[string]File)
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read replacement archive: %w", err)
		}
		f := File{Mode: hdr.FileInfo().Mode().Perm()}
		switch hdr.Typeflag {
		case tar.TypeDir:
			f.Dir = true
		case tar.TypeSymlink:
			f.Link = hdr.Linkname
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("read replacement archive: %w", err)
			}
			f.Data = data
		default:
			continue
		}
		files[strings.TrimSuffix(hdr.Name, "/")] = f
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.containers[name]
	if !ok {
		return fmt.Errorf("container %q not found", name)
	}
	if cs.Running {
		return fmt.Errorf("container %q is running", name)
	}
	cs.Files = files
	return nil
}

func (r *ContainerRuntime) Close() error {
	r.record("Close")
	return nil
}

// SetReady controls whether WaitReady succeeds.
func (r *ContainerRuntime) SetReady(ready bool) {
	r.mu.Lock()
	r.ready = ready
	r.mu.Unlock()
}
