// Package cli wires the engine into a cobra command tree. It is a thin
// presentation binding: every command loads the config, builds the
// components, runs one operation, and renders the result.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/roach88/slate/internal/config"
	"github.com/roach88/slate/internal/localdb"
	"github.com/roach88/slate/internal/logging"
	"github.com/roach88/slate/internal/orchestrator"
	"github.com/roach88/slate/internal/remote"
	"github.com/roach88/slate/internal/repo"
	"github.com/roach88/slate/internal/syncqueue"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the slate CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "slate",
		Short: "slate - offline-first gradebook sync engine",
		Long: `Slate records grades and behavior notes in an embedded local database
and reconciles them with the remote backend when connectivity returns.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewRequeueCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if format == f {
			return true
		}
	}
	return false
}

// app bundles the constructed components behind one lifecycle.
type app struct {
	cfg   config.Config
	log   zerolog.Logger
	mgr   *localdb.Manager
	queue *syncqueue.Queue
	repo  *repo.Repo
}

// newApp loads configuration, opens the local database, and builds the
// repository and queue over the shared handle.
func newApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	log := logging.New(cmd.ErrOrStderr(), level)

	mgr := localdb.NewManager(cfg.DBPath, localdb.WithLogger(log))
	if err := mgr.Initialize(cmd.Context()); err != nil {
		return nil, err
	}

	queue := syncqueue.New(mgr,
		syncqueue.WithMaxAttempts(cfg.Sync.MaxAttempts),
		syncqueue.WithLogger(log),
	)
	r := repo.New(mgr, queue, repo.WithLogger(log))

	return &app{cfg: cfg, log: log, mgr: mgr, queue: queue, repo: r}, nil
}

// orchestrator builds the sync orchestrator with the HTTP publish adapter
// from the configured remote.
func (a *app) orchestrator() (*orchestrator.Orchestrator, error) {
	if a.cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("remote.base_url is not configured")
	}

	client := remote.NewClient(a.cfg.Remote.BaseURL, a.cfg.Remote.Token,
		remote.WithTimeout(a.cfg.Remote.Timeout.Std()))
	adapter := remote.NewAdapter(client, client, client,
		remote.WithStatus(a.cfg.Remote.Status),
		remote.WithLogger(a.log))

	return orchestrator.New(a.repo, a.queue, adapter.Publish,
		orchestrator.WithBatchSize(a.cfg.Sync.BatchSize),
		orchestrator.WithRetention(a.cfg.Sync.Retention.Std()),
		orchestrator.WithCleanupInterval(a.cfg.Sync.CleanupInterval.Std()),
		orchestrator.WithLogger(a.log),
	), nil
}

func (a *app) Close() {
	if err := a.mgr.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close database: %v\n", err)
	}
}
