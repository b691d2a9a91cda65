package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stevehiehn/tmtgo/internal/engine"
	tmterrors "github.com/stevehiehn/tmtgo/internal/errors"
	"github.com/stevehiehn/tmtgo/internal/plan"
	"github.com/stevehiehn/tmtgo/internal/result"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan.yaml>",
	Short: "Validate a plan file and its tests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := validatePlan(args[0])
		out := cmd.OutOrStdout()
		if err != nil {
			if jsonOutput {
				json.NewEncoder(out).Encode(map[string]any{"valid": false, "error": tmterrors.Describe(err, false)})
				return &exitError{code: result.ExitError}
			}
			return &exitError{code: result.ExitError, err: fmt.Errorf("validation failed: %w", err)}
		}
		if jsonOutput {
			return json.NewEncoder(out).Encode(map[string]any{"valid": true})
		}
		fmt.Fprintln(out, "Plan is valid.")
		return nil
	},
}

// validatePlan checks the plan and the tests it would discover.
func validatePlan(path string) error {
	p, err := plan.LoadFile(path)
	if err != nil {
		return err
	}
	if err := plan.Validate(p); err != nil {
		return err
	}
	_, err = engine.Explain(p)
	return err
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
