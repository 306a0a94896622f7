package cli

import (
	"github.com/spf13/cobra"
)

// ResetOptions holds flags for the reset command.
type ResetOptions struct {
	*RootOptions
	Force bool
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe all local data",
		Long: `Delete every note, detail, and queue item from the local database.
Unsynced work is lost. Requires --force.

Example:
  slate reset --force`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Force {
				return NewExitError(ExitCommandError, "reset discards unsynced work; pass --force to confirm")
			}

			a, err := newApp(cmd, rootOpts)
			if err != nil {
				return WrapExitError(ExitCommandError, "open database", err)
			}
			defer a.Close()

			if err := a.mgr.Reset(cmd.Context()); err != nil {
				return WrapExitError(ExitCommandError, "reset database", err)
			}

			f := newFormatter(cmd.OutOrStdout(), rootOpts)
			return f.Success(map[string]bool{"reset": true}, "local database wiped")
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "confirm destructive reset")

	return cmd
}
