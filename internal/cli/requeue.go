package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRequeueCommand creates the requeue command.
func NewRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue",
		Short: "Return failed queue items to pending",
		Long: `Reset every parked failed item back to pending with a fresh attempt
count, so the next sync run retries it.

Example:
  slate requeue && slate sync`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, rootOpts)
			if err != nil {
				return WrapExitError(ExitCommandError, "open database", err)
			}
			defer a.Close()

			n, err := a.queue.RequeueFailed(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "requeue failed items", err)
			}

			data := struct {
				Requeued int `json:"requeued"`
			}{n}
			f := newFormatter(cmd.OutOrStdout(), rootOpts)
			return f.Success(data, fmt.Sprintf("requeued %d item(s)", n))
		},
	}
}
