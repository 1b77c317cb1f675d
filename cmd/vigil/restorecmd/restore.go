// Package restorecmd implements `vigil restore`.
package restorecmd

import (
	"fmt"
	"time"

	"vigil/cmd/vigil/cmdutil"
	"vigil/cmd/vigil/ui"
	"vigil/internal/integrity"
	"vigil/internal/restore"

	"github.com/spf13/cobra"
)

func Cmd(flags *cmdutil.Flags) *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "restore <container>",
		Short: "Restore a container from a trusted snapshot and verify it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container := args[0]

			cfg, store, err := flags.OpenStore()
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.GetLatest(cmd.Context(), container)
			if version > 0 {
				snap, err = store.GetVersion(cmd.Context(), container, version)
			}
			if err != nil {
				return cmdutil.Exit(2, err)
			}

			// An explicit restore supersedes a journal entry left by a
			// crashed (or still running) restore; the operator is the
			// authority here.
			stale, ok, err := store.ClearUnfinishedRestore(cmd.Context(), container)
			if err != nil {
				return err
			}
			if ok {
				fmt.Println(ui.WarnMsg("superseding unfinished restore of %s (phase %s, started %s)",
					container, stale.Phase, stale.StartedAt.Format(time.RFC3339)))
				_, _ = store.AppendEvent(cmd.Context(), integrity.Event{
					Container:      container,
					Verdict:        integrity.VerdictError,
					RestoreOutcome: integrity.RestoreOutcomeFailed,
					Detail: fmt.Sprintf("unfinished restore from version %d (phase %s) superseded by operator restore",
						stale.Version, stale.Phase),
				})
			}

			rt, err := cmdutil.NewRuntime(cmd.Context())
			if err != nil {
				return cmdutil.Exit(2, err)
			}
			defer rt.Close()

			r := &restore.Restorer{Runtime: rt, Store: store}
			out, err := r.Restore(cmd.Context(), snap, cmdutil.Rules(cfg, container, nil))
			if err != nil {
				fmt.Println(ui.ErrorMsg("restore of %s from version %d failed: %v", container, snap.Version, err))
				return cmdutil.Exit(2, nil)
			}

			fmt.Println(ui.SuccessMsg("%s restored from version %d and verified in %s",
				container, out.Version, out.Elapsed.Round(time.Millisecond)))
			return nil
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "Snapshot version to restore (default latest)")
	return cmd
}
