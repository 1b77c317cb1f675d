// Package cmdutil holds flag plumbing and exit-code mapping shared by the
// vigil subcommands.
package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vigil/config"
	"vigil/internal/adapter/docker"
	"vigil/internal/hash"
	"vigil/internal/integrity"
	"vigil/internal/snapshot"

	"github.com/spf13/cobra"
)

// runtimeReadyTimeout bounds how long commands wait for the engine daemon.
const runtimeReadyTimeout = 10 * time.Second

// ExitError carries a specific process exit code through RunE. A nil Err
// means the command already printed its output and only the code matters.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exit wraps err with an explicit exit code.
func Exit(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// Flags are the persistent flags shared by every subcommand.
type Flags struct {
	DataRoot   string
	ConfigPath string
}

func (f *Flags) Bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.DataRoot, "data-root", "", "Snapshot store location (default "+config.DefaultDataRoot()+")")
	cmd.PersistentFlags().StringVar(&f.ConfigPath, "config", "", "Config file (default "+config.Path()+")")
}

// Load reads the config file and resolves the effective data root.
func (f *Flags) Load() (*config.Config, error) {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(f.DataRoot) != "" {
		cfg.DataRoot = f.DataRoot
	}
	if strings.TrimSpace(cfg.DataRoot) == "" {
		cfg.DataRoot = config.DefaultDataRoot()
	}
	return cfg, nil
}

// OpenStore opens the snapshot store under the effective data root.
func (f *Flags) OpenStore() (*config.Config, *snapshot.Store, error) {
	cfg, err := f.Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := snapshot.Open(cfg.DataRoot)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

// NewRuntime connects to the container engine and waits for it to answer.
func NewRuntime(ctx context.Context) (integrity.ContainerRuntime, error) {
	rt, err := docker.NewRuntime()
	if err != nil {
		return nil, err
	}
	readyCtx, cancel := context.WithTimeout(ctx, runtimeReadyTimeout)
	defer cancel()
	if err := rt.WaitReady(readyCtx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

// Rules builds the hash exclusion rules for one container, extended with
// any --exclude flags.
func Rules(cfg *config.Config, container string, extra []string) hash.Rules {
	exclude := cfg.ExcludeFor(container)
	exclude = append(exclude, extra...)
	return hash.Rules{Exclude: exclude}
}

// RequireContainer ensures the container exists in the runtime.
func RequireContainer(ctx context.Context, rt integrity.ContainerRuntime, name string) error {
	info, err := rt.ContainerInspect(ctx, name)
	if err != nil {
		return err
	}
	if !info.Exists {
		return errors.New("container " + name + " not found")
	}
	return nil
}
