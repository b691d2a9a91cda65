// Package engine drives plans through the fixed step pipeline
// discover, provision, prepare, execute, report and finish.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	tmterrors "github.com/stevehiehn/tmtgo/internal/errors"
	"github.com/stevehiehn/tmtgo/internal/guest"
	"github.com/stevehiehn/tmtgo/internal/logging"
	"github.com/stevehiehn/tmtgo/internal/plan"
	"github.com/stevehiehn/tmtgo/internal/result"
	"github.com/stevehiehn/tmtgo/internal/state"
	"github.com/stevehiehn/tmtgo/internal/workdir"
)

// DefaultFinishTimeout bounds the finish step. Finish runs on a context
// that is not cancelled with the run.
const DefaultFinishTimeout = 10 * time.Minute

// Options control a run.
type Options struct {
	// Steps selects steps explicitly; empty selects all of them.
	Steps []string
	// Since and Until narrow the selection to a range of steps.
	Since string
	Until string
	Skip  []string
	// Dry logs what would happen without starting guests or running
	// commands.
	Dry bool
	// StepTimeout limits every step; zero means no limit.
	StepTimeout   time.Duration
	FinishTimeout time.Duration
	// Workers bounds the number of plans run at once by RunAll.
	Workers int
	// Root is the directory holding run directories, ID the run id.
	Root string
	ID   string
	// Resume continues runs found under Root/ID.
	Resume bool
}

type stepFunc func(ctx context.Context, rc *RunContext) error

// Engine runs plans on guests from a backend registry.
type Engine struct {
	registry *guest.Registry
	logger   *zap.Logger
}

func New(registry *guest.Registry, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{registry: registry, logger: logger}
}

// RunDir is the run directory of p under the root and id of opts.
func RunDir(opts Options, p *plan.Plan) string {
	return filepath.Join(opts.Root, opts.ID, workdir.Slug(p.Name))
}

// Run executes the selected steps of p in a fresh run directory.
func (e *Engine) Run(ctx context.Context, p *plan.Plan, opts Options) (*state.RunState, *Summary, error) {
	if opts.ID == "" {
		opts.ID = workdir.NewID()
	}
	if opts.Dry {
		run := &workdir.Run{ID: opts.ID, Dir: RunDir(opts, p)}
		return e.execute(ctx, p, run, nil, opts, false)
	}
	run, err := workdir.New(opts.Root, opts.ID, p.Name)
	if err != nil {
		return nil, nil, err
	}
	store, err := state.Open(run.Dir)
	if err != nil {
		return nil, nil, err
	}
	defer store.Close()
	if _, err := store.Load(); err == nil {
		return nil, nil, &tmterrors.RunError{
			Type:    tmterrors.ValidationError,
			Message: fmt.Sprintf("run directory %s already holds a run", run.Dir),
			Hint:    "Use --resume to continue it or choose another --id",
		}
	}
	return e.execute(ctx, p, run, store, opts, false)
}

// Resume continues the run in runDir. The plan must be the one the run was
// started with.
func (e *Engine) Resume(ctx context.Context, runDir string, p *plan.Plan, opts Options) (*state.RunState, *Summary, error) {
	run, err := workdir.Open(runDir)
	if err != nil {
		return nil, nil, err
	}
	store, err := state.Open(run.Dir)
	if err != nil {
		return nil, nil, err
	}
	defer store.Close()
	return e.execute(ctx, p, run, store, opts, true)
}

// RunAll runs several plans concurrently, at most opts.Workers at once,
// each in its own directory under one run id. A failing plan does not stop
// the others; the returned error aggregates every failure.
func (e *Engine) RunAll(ctx context.Context, plans []*plan.Plan, opts Options) ([]*Summary, error) {
	if opts.ID == "" {
		opts.ID = workdir.NewID()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	summaries := make([]*Summary, len(plans))
	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i, p := range plans {
		i, p := i, p
		g.Go(func() error {
			var (
				s   *Summary
				err error
			)
			if opts.Resume {
				_, s, err = e.Resume(ctx, RunDir(opts, p), p, opts)
			} else {
				_, s, err = e.Run(ctx, p, opts)
			}
			summaries[i] = s
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("plan %s: %w", p.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return summaries, errs.ErrorOrNil()
}

func (e *Engine) execute(ctx context.Context, p *plan.Plan, run *workdir.Run, store *state.Store, opts Options, resume bool) (*state.RunState, *Summary, error) {
	selected, err := Select(opts)
	if err != nil {
		return nil, nil, err
	}
	fingerprint, err := Fingerprint(p)
	if err != nil {
		return nil, nil, err
	}

	logger := e.logger.With(zap.String("plan", p.Name))
	if store != nil {
		teed, closeLog, err := logging.WithFile(logger, run.Log())
		if err != nil {
			return nil, nil, err
		}
		defer closeLog()
		logger = teed
	}

	var rs *state.RunState
	if resume {
		rs, err = store.Load()
		if err != nil {
			return nil, nil, err
		}
		if rs.Fingerprint != fingerprint {
			return nil, nil, &tmterrors.StateMismatchError{Plan: p.Name, Want: fingerprint, Got: rs.Fingerprint}
		}
		pending := rs.FirstPending()
		if pending != "" {
			// Steps after the resume point, finish included, run again.
			rs.Reopen(pending)
			if err := store.Save(rs); err != nil {
				return nil, nil, err
			}
		}
		logger.Info("resuming run", zap.String("dir", run.Dir), zap.String("step", pending))
	} else {
		rs = state.New(run.ID, p.Name, fingerprint, plan.Steps)
		if store != nil {
			if err := store.Save(rs); err != nil {
				return nil, nil, err
			}
		}
		logger.Info("starting run", zap.String("dir", run.Dir), zap.Bool("dry", opts.Dry))
	}

	rc, err := newRunContext(p, run, opts, rs, store, guest.NewManager(e.registry, logger), logger)
	if err != nil {
		return nil, nil, err
	}

	steps := map[string]stepFunc{
		plan.StepDiscover:  e.discover,
		plan.StepProvision: e.provision,
		plan.StepPrepare:   e.prepare,
		plan.StepExecute:   e.executeTests,
		plan.StepReport:    e.report,
		plan.StepFinish:    e.finish,
	}

	var fatal error
	for _, step := range plan.Steps {
		if step == plan.StepFinish {
			break
		}
		if rs.Step(step).Status == state.Done {
			logger.Debug("step already done", zap.String("step", step))
			continue
		}
		if !selected[step] {
			if err := rc.setStep(step, state.Skipped, nil); err != nil {
				return rs, nil, err
			}
			continue
		}
		if fatal = e.runStep(ctx, rc, step, steps[step]); fatal != nil {
			break
		}
	}

	// Guests are always torn down after a failure or cancellation.
	if rs.Step(plan.StepFinish).Status != state.Done {
		switch {
		case selected[plan.StepFinish] || fatal != nil || ctx.Err() != nil:
			timeout := opts.FinishTimeout
			if timeout <= 0 {
				timeout = DefaultFinishTimeout
			}
			finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			if err := e.runStep(finishCtx, rc, plan.StepFinish, steps[plan.StepFinish]); err != nil {
				if fatal == nil {
					fatal = err
				} else {
					fatal = multierror.Append(fatal, err)
				}
			}
			cancel()
		default:
			if err := rc.setStep(plan.StepFinish, state.Skipped, nil); err != nil {
				return rs, nil, err
			}
		}
	}

	results := rc.results
	if results == nil && !opts.Dry {
		loaded, err := result.Load(run.ResultsFile())
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to load results", zap.Error(err))
		}
		results = loaded
	}
	summary := summarize(rs, run.Dir, results, fatal)
	logger.Info("run finished",
		zap.String("summary", summary.Outcomes.String()),
		zap.Int("exit-code", summary.ExitCode))
	return rs, summary, fatal
}

// runStep runs one step under the step timeout and records its status. Any
// error is fatal to the pipeline.
func (e *Engine) runStep(ctx context.Context, rc *RunContext, step string, fn stepFunc) error {
	logger := rc.Logger.With(zap.String("step", step))
	if err := rc.setStep(step, state.Running, nil); err != nil {
		return err
	}
	logger.Info("step started")

	stepCtx := ctx
	if rc.Options.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, rc.Options.StepTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(stepCtx, rc)
	if err == nil && stepCtx.Err() != nil {
		err = stepCtx.Err()
	}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = &tmterrors.RunError{Type: tmterrors.Cancelled, Step: step, Message: "run cancelled", Cause: err}
		case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
			err = &tmterrors.RunError{
				Type:    tmterrors.Timeout,
				Step:    step,
				Message: fmt.Sprintf("step timed out after %s", rc.Options.StepTimeout),
				Hint:    "Raise --step-timeout",
				Cause:   err,
			}
		}
		fatal := &tmterrors.FatalPipelineError{Step: step, Cause: err}
		logger.Error("step failed", zap.Error(err))
		if serr := rc.setStep(step, state.Failed, err); serr != nil {
			logger.Warn("failed to save run state", zap.Error(serr))
		}
		return fatal
	}

	if err := rc.setStep(step, state.Done, nil); err != nil {
		return &tmterrors.FatalPipelineError{Step: step, Cause: err}
	}
	logger.Info("step done", zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return nil
}

// Select resolves the step selection options into the set of steps to run.
func Select(opts Options) (map[string]bool, error) {
	index := map[string]int{}
	for i, s := range plan.Steps {
		index[s] = i
	}
	check := func(names ...string) error {
		for _, n := range names {
			if _, ok := index[n]; !ok && n != "" {
				return tmterrors.NewValidationError(fmt.Sprintf("unknown step %q", n), "Known steps: discover, provision, prepare, execute, report, finish")
			}
		}
		return nil
	}
	if err := check(opts.Steps...); err != nil {
		return nil, err
	}
	if err := check(opts.Skip...); err != nil {
		return nil, err
	}
	if err := check(opts.Since, opts.Until); err != nil {
		return nil, err
	}

	selected := map[string]bool{}
	for _, s := range plan.Steps {
		selected[s] = len(opts.Steps) == 0
	}
	for _, s := range opts.Steps {
		selected[s] = true
	}
	for s, i := range index {
		if opts.Since != "" && i < index[opts.Since] {
			selected[s] = false
		}
		if opts.Until != "" && i > index[opts.Until] {
			selected[s] = false
		}
	}
	for _, s := range opts.Skip {
		selected[s] = false
	}
	return selected, nil
}
