// Package snapshots implements `vigil snapshots`.
package snapshots

import (
	"fmt"
	"strconv"

	"vigil/cmd/vigil/cmdutil"
	"vigil/cmd/vigil/ui"

	"github.com/spf13/cobra"
)

func Cmd(flags *cmdutil.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots <container>",
		Short: "List baseline snapshots of a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container := args[0]

			_, store, err := flags.OpenStore()
			if err != nil {
				return err
			}
			defer store.Close()

			snaps, err := store.List(cmd.Context(), container)
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Println(ui.WarnMsg("no snapshots for %s", container))
				return nil
			}

			rows := make([][]string, 0, len(snaps))
			for _, s := range snaps {
				rows = append(rows, []string{
					strconv.Itoa(s.Version),
					s.Digest,
					s.CreatedAt.Format("2006-01-02 15:04:05"),
				})
			}
			fmt.Println(ui.Table([]string{"VERSION", "DIGEST", "CREATED"}, rows))
			return nil
		},
	}
}
