// Package check implements `vigil check`.
package check

import (
	"fmt"

	"vigil/cmd/vigil/cmdutil"
	"vigil/cmd/vigil/ui"
	"vigil/internal/drift"
	"vigil/internal/integrity"

	"github.com/spf13/cobra"
)

func Cmd(flags *cmdutil.Flags) *cobra.Command {
	var exclude []string

	cmd := &cobra.Command{
		Use:   "check <container>",
		Short: "Run a one-shot drift check against the latest baseline",
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
				return err
			}
			defer rt.Close()

			d := &drift.Detector{
				Runtime: rt,
				Store:   store,
				Rules:   cmdutil.Rules(cfg, container, exclude),
			}
			res, err := d.Check(cmd.Context(), container)
			if err != nil {
				return err
			}

			switch res.Verdict {
			case integrity.VerdictMatch:
				fmt.Println(ui.SuccessMsg("%s matches baseline version %d", container, res.Snapshot.Version))
				return nil
			default:
				fmt.Println(ui.ErrorMsg("%s drifted from baseline version %d", container, res.Snapshot.Version))
				fmt.Print(ui.KeyValues("  ",
					ui.KV("expected", res.Expected),
					ui.KV("observed", res.Observed),
				))
				return cmdutil.Exit(1, nil)
			}
		},
	}
	cmd.Flags().StringArrayVar(&exclude, "exclude", nil, "Additional path or glob to exclude from hashing (repeatable)")
	return cmd
}
