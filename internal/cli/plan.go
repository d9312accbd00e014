package cli

import (
	"github.com/spf13/cobra"

	"github.com/calderdb/calder/internal/meta"
	"github.com/calderdb/calder/internal/session"
)

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <fixture.yaml>",
		Short: "Dry-run a fixture and print the canonical flush plan",
		Long: `Load a fixture, cascade its save/delete lists, flush against the
in-memory recording executor and print the canonical plan: the queued
operations in execution order plus the mutation trace.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runPlan(opts *RootOptions, path string, cmd *cobra.Command) error {
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
	formatter.VerboseLog("loaded fixture %s: %d entities, %d objects", f.Name, len(f.Entities), len(f.Objects))

	h, err := BuildHarness(f, session.NewMemoryExecutor())
	if err != nil {
		return WrapExitError(ExitFailure, "build fixture graph", err)
	}
	tr, err := h.Run(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "flush fixture", err)
	}

	out, err := tr.MarshalCanonical()
	if err != nil {
		return WrapExitError(ExitFailure, "render plan", err)
	}
	// The plan is already JSON; emit it raw in both formats.
	cmd.Println(string(out))
	return nil
}
