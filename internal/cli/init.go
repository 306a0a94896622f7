package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or migrate the local database",
		Long: `Open the local database at the configured path, creating it if it does
not exist and applying any pending schema migrations. Running init on an
already current database is a no-op.

Example:
  slate init
  slate init --config slate.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, rootOpts)
			if err != nil {
				return WrapExitError(ExitCommandError, "initialize database", err)
			}
			defer a.Close()

			stats, err := a.mgr.Stats(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "read database stats", err)
			}

			f := newFormatter(cmd.OutOrStdout(), rootOpts)
			return f.Success(stats, fmt.Sprintf("database ready at %s (schema v%d, notes=%d, queued=%d)",
				a.cfg.DBPath, stats.SchemaVersion, stats.RowCounts["notes"], stats.RowCounts["sync_queue"]))
		},
	}
}
