package integrity

import (
	"context"
	"io"
	"time"
)

// ContainerInfo is the subset of runtime container state vigil cares about.
type ContainerInfo struct {
	Exists  bool
	Running bool
}

// ContainerRuntime is the capability interface onto the container engine.
// It is the only dependency on the surrounding deployment tooling; one
// implementation per backend, no engine branching in the core.
type ContainerRuntime interface {
	// WaitReady blocks until the runtime daemon answers, or ctx expires.
	WaitReady(ctx context.Context) error

	ContainerInspect(ctx context.Context, name string) (ContainerInfo, error)
	ContainerStart(ctx context.Context, name string) error
	ContainerStop(ctx context.Context, name string) error

	// ExportFilesystem streams the container's root filesystem as an
	// uncompressed tar archive. The caller must close the reader.
	ExportFilesystem(ctx context.Context, name string) (io.ReadCloser, error)

	// ReplaceFilesystem replaces the container's filesystem content with
	// the given tar archive. The container must be stopped; it is left
	// stopped afterwards.
	ReplaceFilesystem(ctx context.Context, name string, archive io.Reader) error

	Close() error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
