package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/calderdb/calder/internal/exec"
	"github.com/calderdb/calder/internal/meta"
)

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "flush <fixture.yaml>",
		Short: "Flush a fixture into a durable mutation log",
		Long: `Load a fixture, cascade its save/delete lists and flush the queued
operations into the SQLite mutation log at --db. Each queue executes as
one batch transaction.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlush(rootOpts, args[0], dbPath, cmd)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "calder.db", "path to the mutation log database")
	return cmd
}

// FlushSummary is the flush command's output payload.
type FlushSummary struct {
	Fixture   string `json:"fixture"`
	Queued    int    `json:"queued"`
	Mutations int    `json:"mutations"`
	Database  string `json:"database"`
}

func (s FlushSummary) String() string {
	return fmt.Sprintf("fixture %s: %d queued operation(s), %d logged mutation(s) -> %s",
		s.Fixture, s.Queued, s.Mutations, s.Database)
}

func runFlush(opts *RootOptions, path, dbPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	f, err := meta.LoadFixture(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "load fixture", err)
	}

	if issues := ValidateFixture(f); len(issues) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("fixture %s has %d problem(s); run validate", f.Name, len(issues)))
	}

	// The log is keyed by flush run, not by the in-memory session.
	runID := uuid.Must(uuid.NewV7()).String()
	executor, err := exec.OpenSQLite(dbPath, runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "open mutation log", err)
	}
	defer executor.Close()

	h, err := BuildHarness(f, executor)
	if err != nil {
		return WrapExitError(ExitFailure, "build fixture graph", err)
	}

	tr, err := h.Run(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "flush fixture", err)
	}

	logged, err := executor.ReadLog(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "read mutation log", err)
	}
	formatter.VerboseLog("flush of %s wrote %d mutation(s)", f.Name, len(logged))

	return formatter.Success(FlushSummary{
		Fixture:   f.Name,
		Queued:    len(tr.Queued),
		Mutations: len(logged),
		Database:  dbPath,
	})
}
