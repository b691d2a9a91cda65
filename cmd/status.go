package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stevehiehn/tmtgo/internal/result"
	"github.com/stevehiehn/tmtgo/internal/state"
	"github.com/stevehiehn/tmtgo/internal/workdir"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-dir>",
	Short: "Show the progress of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		rs, err := state.Read(dir)
		if errors.Is(err, state.ErrNotFound) {
			return &exitError{code: result.ExitError, err: fmt.Errorf("no run found in %s", dir)}
		}
		if err != nil {
			return &exitError{code: result.ExitError, err: err}
		}
		run := &workdir.Run{ID: rs.RunID, Dir: dir}
		results, err := result.Load(run.ResultsFile())
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return &exitError{code: result.ExitError, err: err}
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return json.NewEncoder(out).Encode(map[string]any{
				"run_id":  rs.RunID,
				"plan":    rs.Plan,
				"pending": rs.FirstPending(),
				"steps":   rs.Steps,
				"results": results,
			})
		}
		fmt.Fprint(out, rs.String())
		if results != nil {
			fmt.Fprintf(out, "Results: %s\n", result.Summarize(results))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
