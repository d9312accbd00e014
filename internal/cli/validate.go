package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calderdb/calder/internal/meta"
)

// ValidationIssue is one problem found in a fixture.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <fixture.yaml>",
		Short: "Validate a fixture without flushing",
		Long: `Check a fixture's mapping model and object graph for consistency:
entity references, association targets, collection roles and the
save/delete lists. Nothing is queued or executed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
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
	formatter.VerboseLog("validating fixture %s", f.Name)

	issues := ValidateFixture(f)
	if len(issues) > 0 {
		if err := formatter.Error("E_INVALID_FIXTURE",
			fmt.Sprintf("fixture %s has %d problem(s)", f.Name, len(issues)),
			ValidationResult{Valid: false, Errors: issues}); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "fixture invalid")
	}
	return formatter.Success(ValidationResult{Valid: true})
}

// ValidateFixture checks the fixture's model and object graph and returns
// every problem found, not just the first.
func ValidateFixture(f *meta.Fixture) []ValidationIssue {
	var issues []ValidationIssue

	model, err := f.BuildModel()
	if err != nil {
		issues = append(issues, ValidationIssue{Field: "entities", Message: err.Error()})
		return issues
	}

	refs := make(map[string]string, len(f.Objects)) // ref -> entity
	for _, o := range f.Objects {
		refs[o.Ref] = o.Entity
	}

	for _, o := range f.Objects {
		mapping := model.Entity(o.Entity)
		if mapping == nil {
			issues = append(issues, ValidationIssue{
				Field:   "objects." + o.Ref,
				Message: fmt.Sprintf("unmapped entity %s", o.Entity),
			})
			continue
		}
		for name := range o.Values {
			if mapping.Property(name) == nil {
				issues = append(issues, ValidationIssue{
					Field:   fmt.Sprintf("objects.%s.values.%s", o.Ref, name),
					Message: fmt.Sprintf("entity %s has no property %s", o.Entity, name),
				})
			}
		}
		for name, target := range o.Refs {
			p := mapping.Property(name)
			switch {
			case p == nil:
				issues = append(issues, ValidationIssue{
					Field:   fmt.Sprintf("objects.%s.refs.%s", o.Ref, name),
					Message: fmt.Sprintf("entity %s has no property %s", o.Entity, name),
				})
			case p.Kind != meta.KindToOne && p.Kind != meta.KindAny:
				issues = append(issues, ValidationIssue{
					Field:   fmt.Sprintf("objects.%s.refs.%s", o.Ref, name),
					Message: fmt.Sprintf("property %s is %s, not an association", name, p.Kind),
				})
			case target != "":
				if _, ok := refs[target]; !ok {
					issues = append(issues, ValidationIssue{
						Field:   fmt.Sprintf("objects.%s.refs.%s", o.Ref, name),
						Message: fmt.Sprintf("unknown object ref %s", target),
					})
				}
			}
		}
		for name, elements := range o.Collections {
			p := mapping.Property(name)
			if p == nil || p.Kind != meta.KindCollection {
				issues = append(issues, ValidationIssue{
					Field:   fmt.Sprintf("objects.%s.collections.%s", o.Ref, name),
					Message: fmt.Sprintf("entity %s has no collection property %s", o.Entity, name),
				})
				continue
			}
			for _, er := range elements {
				if _, ok := refs[er]; !ok {
					issues = append(issues, ValidationIssue{
						Field:   fmt.Sprintf("objects.%s.collections.%s", o.Ref, name),
						Message: fmt.Sprintf("unknown object ref %s", er),
					})
				}
			}
		}
	}

	for _, ref := range f.Save {
		if _, ok := refs[ref]; !ok {
			issues = append(issues, ValidationIssue{Field: "save", Message: fmt.Sprintf("unknown object ref %s", ref)})
		}
	}
	for _, ref := range f.Delete {
		if _, ok := refs[ref]; !ok {
			issues = append(issues, ValidationIssue{Field: "delete", Message: fmt.Sprintf("unknown object ref %s", ref)})
		}
	}
	return issues
}
