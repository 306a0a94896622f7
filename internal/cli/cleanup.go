package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove delivered queue items past retention",
		Long: `Delete done queue items older than the configured retention window.
Pending, in-flight, and failed items are never touched.

Example:
  slate cleanup`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, rootOpts)
			if err != nil {
				return WrapExitError(ExitCommandError, "open database", err)
			}
			defer a.Close()

			n, err := a.queue.Cleanup(cmd.Context(), a.cfg.Sync.Retention.Std())
			if err != nil {
				return WrapExitError(ExitCommandError, "clean up sync queue", err)
			}

			data := struct {
				Removed int `json:"removed"`
			}{n}
			f := newFormatter(cmd.OutOrStdout(), rootOpts)
			return f.Success(data, fmt.Sprintf("removed %d delivered item(s)", n))
		},
	}
}
