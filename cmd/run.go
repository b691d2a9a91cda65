package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stevehiehn/tmtgo/internal/engine"
	tmterrors "github.com/stevehiehn/tmtgo/internal/errors"
	"github.com/stevehiehn/tmtgo/internal/plan"
	"github.com/stevehiehn/tmtgo/internal/result"
)

var (
	runSince       string
	runUntil       string
	runSkip        []string
	runID          string
	runResume      bool
	runDry         bool
	runWorkers     int
	runStepTimeout time.Duration
	runEnvironment []string
)

var runCmd = &cobra.Command{
	Use:   "run [steps...] <plan.yaml>...",
	Short: "Run plans through the step pipeline",
	Long: `Run one or more plans. Leading arguments naming a step (discover, provision,
prepare, execute, report, finish) select those steps; the rest are plan files.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, files := splitArgs(args)
		if len(files) == 0 {
			return &exitError{code: result.ExitError, err: tmterrors.NewValidationError("no plan given", "Pass at least one plan file")}
		}
		if runResume && runID == "" {
			return &exitError{code: result.ExitError, err: tmterrors.NewValidationError("--resume needs --id", "Pass the id of the run to continue")}
		}
		env, err := parseEnvironment(runEnvironment)
		if err != nil {
			return &exitError{code: result.ExitError, err: err}
		}

		plans := make([]*plan.Plan, 0, len(files))
		for _, f := range files {
			p, err := plan.LoadFile(f)
			if err != nil {
				return &exitError{code: result.ExitError, err: err}
			}
			if err := plan.Validate(p); err != nil {
				return &exitError{code: result.ExitError, err: fmt.Errorf("%s: %w", f, err)}
			}
			if len(env) > 0 {
				p.Environment = mergeEnv(p.Environment, env)
			}
			plans = append(plans, p)
		}

		timeout, err := stepTimeout(runStepTimeout, cfg)
		if err != nil {
			return &exitError{code: result.ExitError, err: err}
		}
		opts := engine.Options{
			Steps:       steps,
			Since:       runSince,
			Until:       runUntil,
			Skip:        runSkip,
			Dry:         runDry,
			StepTimeout: timeout,
			Workers:     runWorkers,
			Root:        cfg.WorkdirRootOrDefault(),
			ID:          runID,
			Resume:      runResume,
		}
		if opts.Workers <= 0 {
			opts.Workers = cfg.WorkersOrDefault()
		}
		if filepath.IsAbs(runID) {
			opts.Root, opts.ID = filepath.Dir(runID), filepath.Base(runID)
		}
		if _, err := engine.Select(opts); err != nil {
			return &exitError{code: result.ExitError, err: err}
		}

		registry, closeRegistry, err := newRegistry(cfg, logger)
		if err != nil {
			return &exitError{code: result.ExitError, err: err}
		}
		defer closeRegistry()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		summaries, runErr := engine.New(registry, logger).RunAll(ctx, plans, opts)

		if jsonOutput {
			if err := json.NewEncoder(cmd.OutOrStdout()).Encode(summaries); err != nil {
				return err
			}
		} else {
			printSummaries(cmd, summaries)
		}
		code := exitCode(summaries, runErr)
		if code == result.ExitPass {
			return nil
		}
		return &exitError{code: code, err: runErr}
	},
}

func init() {
	runCmd.Flags().StringVar(&runSince, "since", "", "Run from this step on")
	runCmd.Flags().StringVar(&runUntil, "until", "", "Run up to and including this step")
	runCmd.Flags().StringSliceVar(&runSkip, "skip", nil, "Steps to skip")
	runCmd.Flags().StringVar(&runID, "id", "", "Run id, or an absolute run directory")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Continue the run given by --id")
	runCmd.Flags().BoolVar(&runDry, "dry", false, "Show what would happen without starting guests")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Plans run at once")
	runCmd.Flags().DurationVar(&runStepTimeout, "step-timeout", 0, "Limit every step")
	runCmd.Flags().StringArrayVarP(&runEnvironment, "environment", "e", nil, "Environment for every test (KEY=VALUE)")
	rootCmd.AddCommand(runCmd)
}

// splitArgs separates leading step names from plan files.
func splitArgs(args []string) (steps, files []string) {
	known := map[string]bool{}
	for _, s := range plan.Steps {
		known[s] = true
	}
	i := 0
	for ; i < len(args) && known[args[i]]; i++ {
		steps = append(steps, args[i])
	}
	return steps, args[i:]
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// exitCode combines the exit codes of several plans: an error wins over a
// failure, which wins over a pass. Only runs without any result at all
// exit with ExitNoResult.
func exitCode(summaries []*engine.Summary, err error) int {
	seen := map[int]bool{}
	for _, s := range summaries {
		if s == nil {
			seen[result.ExitError] = true
			continue
		}
		seen[s.ExitCode] = true
	}
	if err != nil && len(summaries) == 0 {
		seen[result.ExitError] = true
	}
	for _, code := range []int{result.ExitError, result.ExitFail, result.ExitPass} {
		if seen[code] {
			return code
		}
	}
	return result.ExitNoResult
}

func printSummaries(cmd *cobra.Command, summaries []*engine.Summary) {
	out := cmd.OutOrStdout()
	for _, s := range summaries {
		if s == nil {
			continue
		}
		fmt.Fprintf(out, "Plan %s: %s\n", s.Plan, s.Outcomes)
		for _, r := range s.Results {
			line := fmt.Sprintf("  %-5s %s (%s)", r.Result, r.Name, r.Guest.Name)
			if r.Note != "" {
				line += ": " + r.Note
			}
			fmt.Fprintln(out, line)
		}
		if s.FailedStep != "" {
			fmt.Fprintf(out, "  Failed at step %q.\n", s.FailedStep)
		}
		for _, e := range s.Errors {
			if e.Hint != "" {
				fmt.Fprintf(out, "  Hint: %s\n", e.Hint)
			}
		}
		if s.Dir != "" && !runDry {
			fmt.Fprintf(out, "  Run directory: %s\n", s.Dir)
		}
	}
}
