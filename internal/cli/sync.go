package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/slate/internal/orchestrator"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the sync queue against the remote",
		Long: `Claim a batch of pending queue items and deliver each to the configured
remote. Items the remote rejects are retried on the next run until the
attempt cap parks them as failed.

Exit code is 1 when any item failed to sync.

Example:
  slate sync
  slate sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, rootOpts)
			if err != nil {
				return WrapExitError(ExitCommandError, "open database", err)
			}
			defer a.Close()

			orch, err := a.orchestrator()
			if err != nil {
				return WrapExitError(ExitCommandError, "configure remote", err)
			}

			res, err := orch.ProcessSyncQueue(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "drain sync queue", err)
			}

			f := newFormatter(cmd.OutOrStdout(), rootOpts)
			if err := f.Success(res, renderResult(res)); err != nil {
				return err
			}
			if !res.Success {
				return NewExitError(ExitFailure, fmt.Sprintf("%d item(s) failed to sync", len(res.Failed)))
			}
			return nil
		},
	}
}

func renderResult(res orchestrator.Result) string {
	if res.Deferred {
		return "offline: sync deferred"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "synced: %d, failed: %d", len(res.Synced), len(res.Failed))
	for _, e := range res.Errors {
		fmt.Fprintf(&b, "\n  %s: %s", e.NoteID, e.Error)
	}
	return b.String()
}
