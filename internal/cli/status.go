package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync queue and database state",
		Long: `Report pending and failed queue counts plus database statistics.

Example:
  slate status
  slate status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, rootOpts)
			if err != nil {
				return WrapExitError(ExitCommandError, "open database", err)
			}
			defer a.Close()

			ctx := cmd.Context()
			pending, err := a.queue.PendingCount(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "count pending items", err)
			}
			failed, err := a.queue.FailedCount(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "count failed items", err)
			}
			worklist, err := a.repo.GetUnpublishedNotes(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "list unpublished notes", err)
			}
			unpublished := len(worklist)
			stats, err := a.mgr.Stats(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "read database stats", err)
			}

			data := struct {
				Pending     int            `json:"pending"`
				Failed      int            `json:"failed"`
				Unpublished int            `json:"unpublished"`
				Database    map[string]int `json:"database"`
			}{pending, failed, unpublished, stats.RowCounts}

			var b strings.Builder
			fmt.Fprintf(&b, "pending:      %d\n", pending)
			fmt.Fprintf(&b, "failed:       %d\n", failed)
			fmt.Fprintf(&b, "unpublished:  %d\n", unpublished)
			fmt.Fprintf(&b, "notes stored: %d", stats.RowCounts["notes"])

			f := newFormatter(cmd.OutOrStdout(), rootOpts)
			return f.Success(data, b.String())
		},
	}
}
