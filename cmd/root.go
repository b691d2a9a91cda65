package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stevehiehn/tmtgo/internal/config"
	tmterrors "github.com/stevehiehn/tmtgo/internal/errors"
	"github.com/stevehiehn/tmtgo/internal/logging"
	"github.com/stevehiehn/tmtgo/internal/result"
)

// Version is set at build time.
var Version = "dev"

var (
	jsonOutput bool
	verbose    bool
	configPath string

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "tmtgo",
	Short:         "Run test plans on provisioned guests",
	Long:          "tmtgo discovers tests, provisions guests, prepares them, runs the tests and reports results.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			cfg, err = config.LoadFrom(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		tmterrors.OutputLines = cfg.OutputLinesOrDefault()
		logger = logging.New(verbose)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging and full guest output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default "+config.DefaultConfigPath()+")")
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command and exits with its exit code.
func Execute() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err == nil {
		return result.ExitPass
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprint(os.Stderr, tmterrors.Describe(ee.err, verbose))
		}
		return ee.code
	}
	fmt.Fprint(os.Stderr, tmterrors.Describe(err, verbose))
	return result.ExitError
}
