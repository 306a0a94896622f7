package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/slate/internal/orchestrator"
)

// PublishCmdOptions holds flags for the publish command.
type PublishCmdOptions struct {
	*RootOptions
	NoteIDs []string
	ClassID string
	Clear   bool
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishCmdOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish unpublished notes to the remote",
		Long: `Push every unpublished note through the remote, optionally restricted
to specific notes or one class. Successfully published notes have their
queued items marked done so the next sync does not redeliver them.

Exit code is 1 when any note failed to publish.

Example:
  slate publish
  slate publish --class class-7a
  slate publish --note 0192f3a0-... --clear`,
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

			var progress func(done, total int)
			if rootOpts.Format == "text" {
				out := cmd.OutOrStdout()
				progress = func(done, total int) {
					fmt.Fprintf(out, "publishing %d/%d\n", done, total)
				}
			}

			res, err := orch.PublishNotes(cmd.Context(), orchestrator.PublishOptions{
				NoteIDs:           opts.NoteIDs,
				ClassID:           opts.ClassID,
				OnProgress:        progress,
				ClearAfterPublish: opts.Clear,
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "publish notes", err)
			}

			f := newFormatter(cmd.OutOrStdout(), rootOpts)
			if err := f.Success(res, renderResult(res)); err != nil {
				return err
			}
			if !res.Success {
				return NewExitError(ExitFailure, fmt.Sprintf("%d note(s) failed to publish", len(res.Failed)))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&opts.NoteIDs, "note", nil, "publish only these note ids (repeatable)")
	cmd.Flags().StringVar(&opts.ClassID, "class", "", "publish only notes for this class")
	cmd.Flags().BoolVar(&opts.Clear, "clear", false, "hard-delete notes after successful publish")

	return cmd
}
