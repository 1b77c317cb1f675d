package main

import (
	"errors"
	"fmt"
	"os"

	"vigil/cmd/vigil/baseline"
	"vigil/cmd/vigil/check"
	"vigil/cmd/vigil/cmdutil"
	"vigil/cmd/vigil/events"
	"vigil/cmd/vigil/monitorcmd"
	"vigil/cmd/vigil/restorecmd"
	"vigil/cmd/vigil/snapshots"
	"vigil/cmd/vigil/ui"
	"vigil/internal/logging"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	var (
		debug bool
		flags cmdutil.Flags
	)
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "vigil",
		Short:         "Container filesystem integrity monitoring and restore",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level); err != nil {
				return err
			}
			ui.ConfigureColor()
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.Bind(root)

	root.AddCommand(baseline.Cmd(&flags))
	root.AddCommand(check.Cmd(&flags))
	root.AddCommand(monitorcmd.Cmd(&flags))
	root.AddCommand(restorecmd.Cmd(&flags))
	root.AddCommand(snapshots.Cmd(&flags))
	root.AddCommand(events.Cmd(&flags))

	if err := root.Execute(); err != nil {
		var exit *cmdutil.ExitError
		if errors.As(err, &exit) {
			if exit.Err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", exit.Err)
			}
			os.Exit(exit.Code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}
