// Package baseline implements `vigil baseline`.
package baseline

import (
	"context"
	"fmt"

	"vigil/cmd/vigil/cmdutil"
	"vigil/cmd/vigil/ui"
	"vigil/internal/integrity"
	"vigil/internal/telemetry"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func Cmd(flags *cmdutil.Flags) *cobra.Command {
	var exclude []string

	cmd := &cobra.Command{
		Use:   "baseline <container>",
		Short: "Capture a new trusted baseline snapshot of a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container := args[0]

			cfg, store, err := flags.OpenStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rt, err := cmdutil.NewRuntime(cmd.Context())
			if err != nil {
				return cmdutil.Exit(2, err)
			}
			defer rt.Close()

			provider := telemetry.NewProvider()
			defer provider.Close()
			op, err := telemetry.Start(cmd.Context(), provider.Tracer("vigil/baseline"), "baseline",
				trace.WithAttributes(attribute.String("container", container)))
			if err != nil {
				return err
			}

			var snap integrity.Snapshot
			err = op.RunStep(op.Context(), "capture", func(ctx context.Context) error {
				if err := cmdutil.RequireContainer(ctx, rt, container); err != nil {
					return err
				}
				archive, err := rt.ExportFilesystem(ctx, container)
				if err != nil {
					return err
				}
				defer archive.Close()

				snap, err = store.CreateBaseline(ctx, container, archive, cmdutil.Rules(cfg, container, exclude))
				return err
			})
			op.End(err)
			if err != nil {
				return cmdutil.Exit(2, fmt.Errorf("baseline %q: %w", container, err))
			}

			// Re-baselining is the other operator recovery path: a journal
			// entry from a crashed restore no longer matters once a new
			// trusted baseline exists.
			stale, ok, jerr := store.ClearUnfinishedRestore(cmd.Context(), container)
			if jerr != nil {
				return jerr
			}
			if ok {
				fmt.Println(ui.WarnMsg("cleared unfinished restore of %s (phase %s); the new baseline supersedes it",
					container, stale.Phase))
				_, _ = store.AppendEvent(cmd.Context(), integrity.Event{
					Container:      container,
					Verdict:        integrity.VerdictError,
					RestoreOutcome: integrity.RestoreOutcomeFailed,
					Detail: fmt.Sprintf("unfinished restore from version %d (phase %s) superseded by new baseline %d",
						stale.Version, stale.Phase, snap.Version),
				})
			}

			fmt.Println(ui.SuccessMsg("baseline version %d captured for %s", snap.Version, container))
			fmt.Print(ui.KeyValues("  ",
				ui.KV("digest", snap.Digest),
				ui.KV("archive", snap.ArchivePath),
				ui.KV("created", snap.CreatedAt.Format("2006-01-02 15:04:05 MST")),
			))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&exclude, "exclude", nil, "Additional path or glob to exclude from hashing (repeatable)")
	return cmd
}
