package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/stevehiehn/tmtgo/internal/archive"
	"github.com/stevehiehn/tmtgo/internal/guest"
	"github.com/stevehiehn/tmtgo/internal/hardware"
	"github.com/stevehiehn/tmtgo/internal/plan"
	"github.com/stevehiehn/tmtgo/internal/prepare"
	"github.com/stevehiehn/tmtgo/internal/template"
)

func (e *Engine) discover(ctx context.Context, rc *RunContext) error {
	p := rc.Plan
	tree := p.TreeDir()
	if rc.Options.Dry {
		rc.Logger.Info("would copy tree", zap.String("tree", tree))
	} else {
		if err := rc.Run.CopyTree(tree); err != nil {
			return fmt.Errorf("copying tree %s: %w", tree, err)
		}
	}
	if src := p.SourcePath(); src != "" {
		if rc.Options.Dry {
			rc.Logger.Info("would extract source", zap.String("source", src))
		} else if err := archive.ExtractFile(src, rc.Run.Source()); err != nil {
			return fmt.Errorf("extracting source: %w", err)
		}
	}

	tests := append([]plan.Test(nil), p.Discover.Tests...)
	if p.Discover.Directory != "" {
		found, err := plan.LoadTests(tree, p.Discover.Directory)
		if err != nil {
			return err
		}
		tests = append(tests, found...)
	}
	tests, err := plan.Filter(tests, p.Discover.Filter)
	if err != nil {
		return err
	}
	if err := plan.ValidateTests(p, tests); err != nil {
		return err
	}
	for i := range tests {
		tests[i].Serial = i + 1
		rc.Logger.Debug("test discovered", zap.String("test", tests[i].Name), zap.Int("serial", tests[i].Serial))
	}
	if tests == nil {
		tests = []plan.Test{}
	}
	rc.setTests(tests)
	rc.Logger.Info("tests discovered", zap.Int("count", len(tests)))
	if rc.Options.Dry {
		return nil
	}
	return plan.SaveTestsFile(rc.Run.TestsFile(), tests)
}

// guestSpec builds the provisioning spec of g. Its hardware requirement is
// the conjunction of the plan's, the guest's and that of every test that
// runs on it.
func guestSpec(p *plan.Plan, g plan.Guest, tests []plan.Test) guest.Spec {
	hw := hardware.Merge(p.Hardware.Constraint(), g.Hardware.Constraint())
	for _, t := range tests {
		if t.TargetsGuest(g) {
			hw = hardware.Merge(hw, t.Hardware.Constraint())
		}
	}
	return guest.Spec{
		Name:       g.Name,
		Role:       g.Role,
		Method:     g.How,
		Connection: g.Connection,
		WaitFor:    g.WaitFor,
		Image:      g.Image,
		Address:    g.Address,
		User:       g.User,
		Port:       g.Port,
		Key:        g.Key,
		Options:    g.Options,
		Hardware:   hw,
	}
}

func (e *Engine) provision(ctx context.Context, rc *RunContext) error {
	tests, err := rc.discovered()
	if err != nil {
		return err
	}
	for _, decl := range rc.Plan.Provision {
		spec := guestSpec(rc.Plan, decl, tests)
		logger := rc.Logger.With(zap.String("guest", decl.Name))
		if rc.Options.Dry {
			selected, err := rc.manager.Select(ctx, spec)
			if err != nil {
				return err
			}
			fields := []zap.Field{zap.String("how", decl.How), zap.String("hardware", hardware.String(spec.Hardware))}
			if selected.Candidate != nil {
				fields = append(fields, zap.String("candidate", selected.Candidate.Name))
			}
			logger.Info("would start guest", fields...)
			continue
		}
		if g, ok := rc.manager.Get(decl.Name); ok && !g.Stopped() {
			logger.Info("guest already provisioned")
			continue
		}
		g, err := rc.manager.Provision(ctx, spec)
		if err != nil {
			return err
		}
		if err := rc.putGuest(g); err != nil {
			return err
		}
		logger.Info("guest provisioned", zap.String("address", g.Handle.Address))
	}
	return nil
}

func (e *Engine) prepare(ctx context.Context, rc *RunContext) error {
	phases := prepare.Sorted(rc.Plan.Prepare)
	if rc.Options.Dry {
		dryRun(rc, plan.StepPrepare, phases)
		return nil
	}
	guests := rc.manager.Guests()
	if len(guests) == 0 {
		return errors.New("no guests provisioned, run the provision step first")
	}
	tmpl := rc.templates()
	for _, g := range guests {
		if err := rc.push(ctx, g); err != nil {
			rc.barrier.Fail(g.Name, err)
			return err
		}
		if err := e.applyPhases(ctx, rc, g, plan.StepPrepare, phases, tmpl); err != nil {
			rc.barrier.Fail(g.Name, err)
			return err
		}
		rc.manager.MarkReady(g)
		rc.barrier.Ready(g.Name)
		if err := rc.putGuest(g); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, rc *RunContext) error {
	phases := prepare.Sorted(rc.Plan.Finish)
	if rc.Options.Dry {
		dryRun(rc, plan.StepFinish, phases)
		for _, g := range rc.Plan.Provision {
			rc.Logger.Info("would stop guest", zap.String("guest", g.Name))
		}
		return nil
	}

	tmpl := rc.templates()
	for _, g := range rc.manager.Guests() {
		if g.Stopped() {
			continue
		}
		if err := e.applyPhases(ctx, rc, g, plan.StepFinish, phases, tmpl); err != nil {
			rc.Logger.Warn("finish phase failed", zap.String("guest", g.Name), zap.Error(err))
		}
	}

	var errs *multierror.Error
	if err := rc.manager.StopAll(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, g := range rc.manager.Guests() {
		if err := rc.putGuest(g); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// applyPhases runs the phases that apply to g, in order, stopping at the
// first failure.
func (e *Engine) applyPhases(ctx context.Context, rc *RunContext, g *guest.Guest, step string, phases []prepare.Phase, tmpl *template.Context) error {
	for i, ph := range phases {
		if !ph.Applies(g.Name, g.Role) {
			continue
		}
		label := ph.Label(i)
		m, err := prepare.Get(ph.How)
		if err != nil {
			return err
		}
		if ph.Script, err = template.Resolve(ph.Script, tmpl); err != nil {
			return fmt.Errorf("phase %q: %w", label, err)
		}
		if ph.Content, err = template.Resolve(ph.Content, tmpl); err != nil {
			return fmt.Errorf("phase %q: %w", label, err)
		}
		if ph.Path, err = template.Resolve(ph.Path, tmpl); err != nil {
			return fmt.Errorf("phase %q: %w", label, err)
		}
		rc.Logger.Info("applying phase",
			zap.String("step", step),
			zap.String("guest", g.Name),
			zap.String("phase", label))
		base := guest.Command{Env: rc.environment(g)}
		if err := m.Apply(ctx, g, ph, base); err != nil {
			return fmt.Errorf("phase %q on guest %q: %w", label, g.Name, err)
		}
	}
	return nil
}

func dryRun(rc *RunContext, step string, phases []prepare.Phase) {
	for _, decl := range rc.Plan.Provision {
		for i, ph := range phases {
			if !ph.Applies(decl.Name, decl.Role) {
				continue
			}
			m, err := prepare.Get(ph.How)
			if err != nil {
				continue
			}
			rc.Logger.Info(m.DryRun(ph),
				zap.String("step", step),
				zap.String("guest", decl.Name),
				zap.String("phase", ph.Label(i)))
		}
	}
}
