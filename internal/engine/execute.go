package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/stevehiehn/tmtgo/internal/guest"
	"github.com/stevehiehn/tmtgo/internal/plan"
	"github.com/stevehiehn/tmtgo/internal/result"
	"github.com/stevehiehn/tmtgo/internal/state"
	"github.com/stevehiehn/tmtgo/internal/workdir"
)

const (
	outputFile        = "output.txt"
	metadataFile      = "metadata.yaml"
	rebootRequestFile = "reboot-request"
	submitScript      = "tmt-file-submit"
)

// fileSubmit stores files a beakerlib test submits with rlFileSubmit in
// the test data directory.
const fileSubmit = `#!/bin/sh
while getopts "l:n:" opt; do
    case "$opt" in
        l) cp -f "$OPTARG" "$TMT_TEST_DATA/" ;;
    esac
done
`

// DefaultRebootTimeout limits a reboot requested without a timeout.
const DefaultRebootTimeout = 10 * time.Minute

// RebootRequest is written by a test into its data directory to ask for a
// reboot after which the test runs again.
type RebootRequest struct {
	Command string `json:"command,omitempty"`
	// Timeout in seconds.
	Timeout int `json:"timeout,omitempty"`
}

func (e *Engine) executeTests(ctx context.Context, rc *RunContext) error {
	tests, err := rc.discovered()
	if err != nil {
		return err
	}
	if rc.Options.Dry {
		for _, decl := range rc.Plan.Provision {
			for _, t := range tests {
				if t.TargetsGuest(decl) {
					rc.Logger.Info("would run test", zap.String("guest", decl.Name), zap.String("test", t.Name))
				}
			}
		}
		return nil
	}

	guests := rc.manager.Guests()
	if len(guests) == 0 {
		return errors.New("no guests provisioned, run the provision step first")
	}
	if rc.State.Step(plan.StepPrepare).Status != state.Done {
		// Nothing prepares the guests in this run, so nothing holds them back.
		for _, g := range guests {
			rc.barrier.Ready(g.Name)
		}
	}

	collector := result.NewCollector(filepath.Dir(rc.Run.ResultsFile()))
	topology := rc.manager.Topology()
	group, gctx := errgroup.WithContext(ctx)
	for _, g := range guests {
		g := g
		group.Go(func() error {
			if deps := topology.Dependencies(g.Name); len(deps) > 0 {
				rc.Logger.Info("waiting for guests", zap.String("guest", g.Name), zap.Strings("wait-for", deps))
				if err := rc.barrier.Wait(gctx, deps...); err != nil {
					return fmt.Errorf("guest %q: %w", g.Name, err)
				}
			}
			return e.executeGuest(gctx, rc, g, tests, collector)
		})
	}
	err = group.Wait()

	results := collector.Results()
	if serr := result.Save(rc.Run.ResultsFile(), results); serr != nil && err == nil {
		err = serr
	}
	rc.results = results
	return err
}

// executeGuest runs the tests targeting g one after another.
func (e *Engine) executeGuest(ctx context.Context, rc *RunContext, g *guest.Guest, tests []plan.Test, collector *result.Collector) error {
	decl := rc.declared(g)
	if err := rc.push(ctx, g); err != nil {
		return err
	}
	for _, t := range tests {
		if !t.TargetsGuest(decl) {
			continue
		}
		results, err := e.runTest(ctx, rc, g, t, collector)
		if err != nil {
			return err
		}
		collector.Add(results...)
		if rc.Plan.Execute.ExitFirst && anyFailed(results) {
			rc.Logger.Info("exit-first: skipping remaining tests", zap.String("guest", g.Name), zap.String("test", t.Name))
			break
		}
	}
	return nil
}

func anyFailed(results []result.Result) bool {
	for _, r := range results {
		if r.Result.Failed() {
			return true
		}
	}
	return false
}

// runTest runs t on g until it finishes without requesting a reboot and
// interprets its results. Only failures to talk to the guest are errors.
func (e *Engine) runTest(ctx context.Context, rc *RunContext, g *guest.Guest, t plan.Test, collector *result.Collector) ([]result.Result, error) {
	logger := rc.Logger.With(zap.String("guest", g.Name), zap.String("test", t.Name))
	testDir := rc.Run.TestDir(g.Name, t.Name, t.Serial)
	dataDir := rc.Run.TestData(g.Name, t.Name, t.Serial)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	metadata, err := yaml.Marshal(t)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(testDir, metadataFile), metadata, 0o644); err != nil {
		return nil, err
	}
	if t.IsBeakerlib() {
		if err := os.WriteFile(filepath.Join(testDir, submitScript), []byte(fileSubmit), 0o755); err != nil {
			return nil, err
		}
	}
	if err := g.Push(ctx, testDir, testDir); err != nil {
		return nil, err
	}

	for {
		cmd := guest.Command{
			Script:  t.Test,
			Env:     rc.testEnvironment(g, t, testDir, dataDir),
			Dir:     filepath.Join(rc.Run.Tree(), t.Path),
			Timeout: t.Timeout(),
		}
		logger.Info("running test", zap.Int("reboot-count", g.RebootCount()))
		start := time.Now()
		out, err := g.Run(ctx, cmd)
		duration := time.Since(start)
		if err != nil {
			return nil, err
		}
		output := filepath.Join(testDir, outputFile)
		if err := workdir.WriteOutput(output, out.Stdout, out.Stderr); err != nil {
			return nil, err
		}
		// beakerlib keeps its state next to the data directory
		pulled := dataDir
		if t.IsBeakerlib() {
			pulled = testDir
		}
		if err := g.Pull(ctx, pulled, pulled); err != nil {
			return nil, err
		}

		req, ok, err := readRebootRequest(dataDir)
		if err != nil {
			logger.Warn("invalid reboot request, rebooting with defaults", zap.Error(err))
		}
		if ok {
			if err := e.reboot(ctx, rc, g, req, dataDir); err != nil {
				return nil, err
			}
			continue
		}

		logger.Debug("test finished", zap.Int("exit-code", out.ExitCode), zap.Duration("duration", duration))
		return check(collector, rc, g, t, dataDir, output, out.ExitCode, duration), nil
	}
}

// reboot honours a reboot request and removes it so the next run of the
// test starts clean.
func (e *Engine) reboot(ctx context.Context, rc *RunContext, g *guest.Guest, req RebootRequest, dataDir string) error {
	path := filepath.Join(dataDir, rebootRequestFile)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if _, err := g.Execute(ctx, guest.Command{Script: "rm -f " + guest.Quote(path)}); err != nil {
		return err
	}
	timeout := DefaultRebootTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	rc.Logger.Info("rebooting guest on request",
		zap.String("guest", g.Name),
		zap.String("command", req.Command),
		zap.Duration("timeout", timeout))

	if req.Command != "" {
		rc.Logger.Warn("custom reboot commands are not supported, using the backend reboot", zap.String("guest", g.Name))
	}

	rebootCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := g.Reboot(rebootCtx, false); err != nil {
		return err
	}
	return rc.putGuest(g)
}

func readRebootRequest(dataDir string) (RebootRequest, bool, error) {
	var req RebootRequest
	data, err := os.ReadFile(filepath.Join(dataDir, rebootRequestFile))
	if errors.Is(err, os.ErrNotExist) {
		return req, false, nil
	}
	if err != nil {
		return req, false, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return RebootRequest{}, true, fmt.Errorf("parsing reboot request: %w", err)
		}
	}
	return req, true, nil
}

// check turns the outcome of a finished test into results.
func check(collector *result.Collector, rc *RunContext, g *guest.Guest, t plan.Test, dataDir, output string, exitCode int, duration time.Duration) []result.Result {
	invocation := result.Test{
		Name:    t.Name,
		Serial:  t.Serial,
		Guest:   result.GuestData{Name: g.Name, Role: g.Role},
		DataDir: dataDir,
	}
	if t.ResultMode() != plan.ResultCustom {
		if t.IsBeakerlib() {
			return []result.Result{collector.FromBeakerlib(invocation, filepath.Dir(output), duration, output)}
		}
		if r, ok := collector.FromReportFile(invocation, duration, output); ok {
			return []result.Result{r}
		}
		return []result.Result{collector.FromExitCode(invocation, exitCode, duration, output)}
	}

	path, ok := result.FindCustom(dataDir)
	if !ok {
		return []result.Result{collector.Missing(invocation, duration, output)}
	}
	raws, err := result.LoadCustom(path)
	if err == nil && len(raws) == 0 {
		err = errors.New("no results in " + filepath.Base(path))
	}
	var results []result.Result
	if err == nil {
		results, err = collector.FromRaw(invocation, raws)
	}
	if err != nil {
		rc.Logger.Warn("invalid custom results", zap.String("guest", g.Name), zap.String("test", t.Name), zap.Error(err))
		r := collector.Missing(invocation, duration, output)
		r.Note = "invalid custom results: " + err.Error()
		return []result.Result{r}
	}
	outputLog, err := filepath.Rel(filepath.Dir(rc.Run.ResultsFile()), output)
	if err != nil {
		outputLog = output
	}
	// The test's own logs come first; the first of them is the main log.
	for i := range results {
		results[i].Log = append(results[i].Log, filepath.ToSlash(outputLog))
	}
	return results
}

// testEnvironment is the environment of one test invocation: the plan and
// test environment overlaid with the variables the engine owns.
func (rc *RunContext) testEnvironment(g *guest.Guest, t plan.Test, testDir, dataDir string) map[string]string {
	reboots := strconv.Itoa(g.RebootCount())
	var beakerlib map[string]string
	if t.IsBeakerlib() {
		beakerlib = map[string]string{
			"BEAKERLIB_DIR":                testDir,
			"BEAKERLIB_COMMAND_SUBMIT_LOG": "sh " + filepath.Join(testDir, submitScript),
		}
	}
	return merge(rc.Plan.Environment, t.Environment, rc.variables(g), beakerlib, map[string]string{
		"TMT_TEST_NAME":          t.Name,
		"TMT_TEST_SERIAL_NUMBER": strconv.Itoa(t.Serial),
		"TMT_TEST_DATA":          dataDir,
		"TMT_TEST_METADATA":      filepath.Join(testDir, metadataFile),
		"TMT_REBOOT_REQUEST":     filepath.Join(dataDir, rebootRequestFile),
		"TMT_REBOOT_COUNT":       reboots,
		"REBOOTCOUNT":            reboots,
		"RSTRNT_REBOOTCOUNT":     reboots,
	})
}
