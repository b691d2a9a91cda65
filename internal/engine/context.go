package engine

import (
	"context"
	"errors"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/stevehiehn/tmtgo/internal/guest"
	"github.com/stevehiehn/tmtgo/internal/plan"
	"github.com/stevehiehn/tmtgo/internal/result"
	"github.com/stevehiehn/tmtgo/internal/state"
	"github.com/stevehiehn/tmtgo/internal/template"
	"github.com/stevehiehn/tmtgo/internal/workdir"
)

// RunContext holds state for one plan run shared by its steps.
type RunContext struct {
	Plan    *plan.Plan
	Run     *workdir.Run
	Options Options
	State   *state.RunState
	Logger  *zap.Logger

	store   *state.Store
	manager *guest.Manager
	barrier *guest.Barrier

	mu      sync.Mutex
	tests   []plan.Test
	results []result.Result
	pushed  map[string]bool
}

func newRunContext(p *plan.Plan, run *workdir.Run, opts Options, rs *state.RunState, store *state.Store, manager *guest.Manager, logger *zap.Logger) (*RunContext, error) {
	names := make([]string, len(p.Provision))
	for i, g := range p.Provision {
		names[i] = g.Name
	}
	rc := &RunContext{
		Plan:    p,
		Run:     run,
		Options: opts,
		State:   rs,
		Logger:  logger,
		store:   store,
		manager: manager,
		barrier: guest.NewBarrier(names...),
		pushed:  map[string]bool{},
	}
	for _, rec := range rs.Guests {
		if rec.Stopped {
			continue
		}
		g, err := manager.Attach(rec)
		if err != nil {
			return nil, err
		}
		if rec.Ready {
			rc.barrier.Ready(g.Name)
		}
		logger.Debug("guest attached", zap.String("guest", g.Name), zap.String("how", g.Method))
	}
	return rc, nil
}

// persist saves the run state. Dry runs keep state in memory only.
func (rc *RunContext) persist() error {
	if rc.store == nil {
		return nil
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.store.Save(rc.State)
}

func (rc *RunContext) setStep(step string, status state.Status, err error) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.store == nil {
		rc.State.Set(step, status, err)
		return nil
	}
	return rc.store.MarkStep(step, status, err)
}

// putGuest records the current state of g.
func (rc *RunContext) putGuest(g *guest.Guest) error {
	rc.mu.Lock()
	rc.State.PutGuest(g.Record())
	rc.mu.Unlock()
	return rc.persist()
}

// discovered returns the tests of the run, reloading them from the
// discover step output when resuming.
func (rc *RunContext) discovered() ([]plan.Test, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.tests != nil {
		return rc.tests, nil
	}
	tests, err := plan.LoadTestsFile(rc.Run.TestsFile())
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.New("no tests discovered, run the discover step first")
	}
	if err != nil {
		return nil, err
	}
	rc.tests = tests
	return tests, nil
}

func (rc *RunContext) setTests(tests []plan.Test) {
	rc.mu.Lock()
	rc.tests = tests
	rc.mu.Unlock()
}

// declared returns the plan declaration of a guest.
func (rc *RunContext) declared(g *guest.Guest) plan.Guest {
	for _, d := range rc.Plan.Provision {
		if d.Name == g.Name {
			return d
		}
	}
	return plan.Guest{Name: g.Name, Role: g.Role, How: g.Method}
}

// templates exposes the facts of every live guest to scripts.
func (rc *RunContext) templates() *template.Context {
	ctx := &template.Context{
		Env:    rc.Plan.Environment,
		Guests: map[string]map[string]string{},
		Roles:  map[string][]string{},
	}
	for _, g := range rc.manager.Guests() {
		ctx.Guests[g.Name] = g.Fields()
		if g.Role != "" {
			ctx.Roles[g.Role] = append(ctx.Roles[g.Role], g.Name)
		}
	}
	return ctx
}

// push copies the run tree and shared plan data to the guest, once per run.
func (rc *RunContext) push(ctx context.Context, g *guest.Guest) error {
	rc.mu.Lock()
	done := rc.pushed[g.Name]
	rc.mu.Unlock()
	if done {
		return nil
	}
	dirs := []string{rc.Run.Tree(), rc.Run.PlanData()}
	if rc.Plan.Discover.Source != "" {
		dirs = append(dirs, rc.Run.Source())
	}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := g.Push(ctx, dir, dir); err != nil {
			return err
		}
	}
	rc.mu.Lock()
	rc.pushed[g.Name] = true
	rc.mu.Unlock()
	return nil
}

// environment is what every command on g sees: the plan environment and
// the variables locating the run.
func (rc *RunContext) environment(g *guest.Guest) map[string]string {
	return merge(rc.Plan.Environment, rc.variables(g))
}

func (rc *RunContext) variables(g *guest.Guest) map[string]string {
	vars := map[string]string{
		"TMT_TREE":       rc.Run.Tree(),
		"TMT_PLAN_DATA":  rc.Run.PlanData(),
		"TMT_GUEST_NAME": g.Name,
		"TMT_GUEST_ROLE": g.Role,
	}
	if rc.Plan.Discover.Source != "" {
		vars["TMT_SOURCE_DIR"] = rc.Run.Source()
	}
	return vars
}

// merge overlays maps left to right into a new map.
func merge(maps ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
