package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stevehiehn/tmtgo/internal/engine"
	"github.com/stevehiehn/tmtgo/internal/plan"
	"github.com/stevehiehn/tmtgo/internal/result"
)

var explainCmd = &cobra.Command{
	Use:   "explain <plan.yaml>",
	Short: "Show guests, tests and phases of a plan without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := plan.LoadFile(args[0])
		if err != nil {
			return &exitError{code: result.ExitError, err: err}
		}
		if err := plan.Validate(p); err != nil {
			return &exitError{code: result.ExitError, err: err}
		}
		ex, err := engine.Explain(p)
		if err != nil {
			return &exitError{code: result.ExitError, err: err}
		}

		if jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(ex)
		}
		fmt.Fprint(cmd.OutOrStdout(), ex.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(explainCmd)
}
