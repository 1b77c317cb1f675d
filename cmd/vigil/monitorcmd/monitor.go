// Package monitorcmd implements `vigil monitor`, the long-running
// scheduler.
package monitorcmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vigil/cmd/vigil/cmdutil"
	"vigil/cmd/vigil/ui"
	"vigil/config"
	"vigil/internal/compose"
	"vigil/internal/monitor"
	"vigil/internal/restore"
	"vigil/internal/telemetry"

	"github.com/spf13/cobra"
)

func Cmd(flags *cmdutil.Flags) *cobra.Command {
	var (
		interval     time.Duration
		autoRestore  bool
		maxHashes    int64
		checkTimeout time.Duration
		composeFile  string
		projectName  string
	)

	cmd := &cobra.Command{
		Use:   "monitor [container...]",
		Short: "Continuously verify containers against their baselines",
		Long: `Continuously verify containers against their baselines.

Containers come from the arguments, from --compose, or from the config
file's containers list. Drift triggers an alert, or a restore when
auto-restore is enabled for the container. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := flags.OpenStore()
			if err != nil {
				return err
			}
			defer store.Close()

			names, err := resolveContainers(cmd.Context(), cfg, args, composeFile, projectName)
			if err != nil {
				return err
			}

			rt, err := cmdutil.NewRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			specs := make([]monitor.ContainerSpec, 0, len(names))
			for _, name := range names {
				spec := monitor.ContainerSpec{
					Name:        name,
					Interval:    cfg.IntervalFor(name),
					AutoRestore: cfg.AutoRestoreFor(name) || autoRestore,
					Rules:       cmdutil.Rules(cfg, name, nil),
				}
				// An explicit --interval overrides per-container config.
				if cmd.Flags().Changed("interval") || spec.Interval == 0 {
					spec.Interval = interval
				}
				specs = append(specs, spec)
			}

			provider := telemetry.NewProvider()
			defer provider.Close()

			sched := &monitor.Scheduler{
				Runtime:             rt,
				Store:               store,
				Restorer:            &restore.Restorer{Runtime: rt, Store: store},
				Containers:          specs,
				MaxConcurrentHashes: maxHashes,
				CheckTimeout:        checkTimeout,
				Tracer:              provider.Tracer("vigil/monitor"),
				OnEvent:             printEvent,
			}
			fmt.Println(ui.InfoMsg("monitoring %d container(s)", len(specs)))
			pairs := make([]ui.Pair, 0, len(specs))
			for _, spec := range specs {
				pairs = append(pairs, ui.KV(spec.Name, specSummary(spec)))
			}
			fmt.Print(ui.KeyValues("  ", pairs...))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = sched.Run(ctx)
			if errors.Is(err, context.Canceled) {
				fmt.Println(ui.InfoMsg("monitor stopped"))
				return cmdutil.Exit(130, nil)
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Default check interval")
	cmd.Flags().BoolVar(&autoRestore, "auto-restore", false, "Restore automatically on drift (detect-only otherwise)")
	cmd.Flags().Int64Var(&maxHashes, "max-hashes", 0, "Max concurrently hashed containers (default 2)")
	cmd.Flags().DurationVar(&checkTimeout, "check-timeout", 0, "Timeout per check or restore (default 5m)")
	cmd.Flags().StringVar(&composeFile, "compose", "", "Monitor all services of a Docker Compose file")
	cmd.Flags().StringVar(&projectName, "project", "", "Compose project name (default from compose file location)")
	return cmd
}

func resolveContainers(ctx context.Context, cfg *config.Config, args []string, composeFile, projectName string) ([]string, error) {
	names := append([]string(nil), args...)
	if composeFile != "" {
		project, err := compose.Load(ctx, composeFile, projectName)
		if err != nil {
			return nil, err
		}
		names = append(names, compose.ContainerNames(project)...)
	}
	if len(names) == 0 {
		for _, ct := range cfg.Containers {
			names = append(names, ct.Name)
		}
	}
	if len(names) == 0 {
		return nil, errors.New("no containers to monitor: pass names, --compose, or list them in the config file")
	}
	return dedupe(names), nil
}

// specSummary describes one container's effective settings, which may
// differ per container from the flag defaults.
func specSummary(spec monitor.ContainerSpec) string {
	mode := "detect-only"
	if spec.AutoRestore {
		mode = "auto-restore"
	}
	return fmt.Sprintf("every %s, %s", spec.Interval, mode)
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func printEvent(eventType, message string) {
	switch eventType {
	case "check.drift":
		fmt.Println(ui.ErrorMsg("drift detected: %s", message))
	case "check.unavailable", "check.skipped", "restore.skipped":
		fmt.Println(ui.WarnMsg("%s", message))
	case "check.error", "restore.failed", "monitor.unfinished_restore", "monitor.no_baseline":
		fmt.Println(ui.ErrorMsg("%s", message))
	case "restore.success":
		fmt.Println(ui.SuccessMsg("%s", message))
	case "state.transition":
		fmt.Println(ui.InfoMsg("%s", message))
	}
}
