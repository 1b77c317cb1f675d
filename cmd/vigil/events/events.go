// Package events implements `vigil events`, the audit log viewer.
package events

import (
	"fmt"

	"vigil/cmd/vigil/cmdutil"
	"vigil/cmd/vigil/ui"

	"github.com/spf13/cobra"
)

func Cmd(flags *cmdutil.Flags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events <container>",
		Short: "Show the audit trail of checks and restores for a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container := args[0]

			_, store, err := flags.OpenStore()
			if err != nil {
				return err
			}
			defer store.Close()

			evs, err := store.ListEvents(cmd.Context(), container, limit)
			if err != nil {
				return err
			}
			if len(evs) == 0 {
				fmt.Println(ui.WarnMsg("no events for %s", container))
				return nil
			}

			rows := make([][]string, 0, len(evs))
			for _, ev := range evs {
				restore := string(ev.RestoreOutcome)
				if restore == "" {
					restore = ui.MutedStyle.Render("-")
				}
				rows = append(rows, []string{
					ev.At.Format("2006-01-02 15:04:05"),
					ui.Verdict(string(ev.Verdict)),
					restore,
					ev.Detail,
				})
			}
			fmt.Println(ui.Table([]string{"TIME", "VERDICT", "RESTORE", "DETAIL"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events to show (newest last)")
	return cmd
}
