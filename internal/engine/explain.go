package engine

import (
	"fmt"
	"strings"

	"github.com/stevehiehn/tmtgo/internal/hardware"
	"github.com/stevehiehn/tmtgo/internal/plan"
	"github.com/stevehiehn/tmtgo/internal/prepare"
)

// Explanation describes what a run of a plan would do, without touching
// the filesystem outside the plan tree or any guest.
type Explanation struct {
	Plan    string             `json:"plan"`
	Summary string             `json:"summary,omitempty"`
	Guests  []GuestExplanation `json:"guests"`
	Prepare []PhaseExplanation `json:"prepare,omitempty"`
	Finish  []PhaseExplanation `json:"finish,omitempty"`
}

type GuestExplanation struct {
	Name       string   `json:"name"`
	How        string   `json:"how"`
	Role       string   `json:"role,omitempty"`
	Connection string   `json:"connection,omitempty"`
	WaitFor    []string `json:"wait-for,omitempty"`
	Hardware   string   `json:"hardware,omitempty"`
	Tests      []string `json:"tests"`
}

type PhaseExplanation struct {
	Label  string   `json:"label"`
	How    string   `json:"how"`
	Action string   `json:"action"`
	Guests []string `json:"guests"`
}

// Explain discovers the tests of p and reports which guests would run
// them, under which hardware requirement, and what the prepare and finish
// phases would do.
func Explain(p *plan.Plan) (*Explanation, error) {
	tests := append([]plan.Test(nil), p.Discover.Tests...)
	if p.Discover.Directory != "" {
		found, err := plan.LoadTests(p.TreeDir(), p.Discover.Directory)
		if err != nil {
			return nil, err
		}
		tests = append(tests, found...)
	}
	tests, err := plan.Filter(tests, p.Discover.Filter)
	if err != nil {
		return nil, err
	}
	if err := plan.ValidateTests(p, tests); err != nil {
		return nil, err
	}

	ex := &Explanation{Plan: p.Name, Summary: p.Summary}
	deps := p.Topology()
	for _, g := range p.Provision {
		spec := guestSpec(p, g, tests)
		ge := GuestExplanation{
			Name:       g.Name,
			How:        g.How,
			Role:       g.Role,
			Connection: g.Connection,
			WaitFor:    deps.Dependencies(g.Name),
			Tests:      []string{},
		}
		if spec.Hardware != nil {
			ge.Hardware = hardware.String(spec.Hardware)
		}
		for _, t := range tests {
			if t.TargetsGuest(g) {
				ge.Tests = append(ge.Tests, t.Name)
			}
		}
		ex.Guests = append(ex.Guests, ge)
	}
	if ex.Prepare, err = explainPhases(p, p.Prepare); err != nil {
		return nil, err
	}
	if ex.Finish, err = explainPhases(p, p.Finish); err != nil {
		return nil, err
	}
	return ex, nil
}

func explainPhases(p *plan.Plan, phases []prepare.Phase) ([]PhaseExplanation, error) {
	var out []PhaseExplanation
	for i, ph := range prepare.Sorted(phases) {
		m, err := prepare.Get(ph.How)
		if err != nil {
			return nil, err
		}
		pe := PhaseExplanation{Label: ph.Label(i), How: ph.How, Action: m.DryRun(ph), Guests: []string{}}
		for _, g := range p.Provision {
			if ph.Applies(g.Name, g.Role) {
				pe.Guests = append(pe.Guests, g.Name)
			}
		}
		out = append(out, pe)
	}
	return out, nil
}

// String renders the explanation for a terminal.
func (ex *Explanation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan: %s\n", ex.Plan)
	if ex.Summary != "" {
		fmt.Fprintf(&b, "  %s\n", ex.Summary)
	}
	for _, g := range ex.Guests {
		fmt.Fprintf(&b, "\nGuest: %s (%s)\n", g.Name, g.How)
		if g.Role != "" {
			fmt.Fprintf(&b, "  Role: %s\n", g.Role)
		}
		if g.Connection != "" {
			fmt.Fprintf(&b, "  Connection: %s\n", g.Connection)
		}
		if len(g.WaitFor) > 0 {
			fmt.Fprintf(&b, "  Waits for: %s\n", strings.Join(g.WaitFor, ", "))
		}
		if g.Hardware != "" {
			fmt.Fprintf(&b, "  Hardware: %s\n", g.Hardware)
		}
		if len(g.Tests) == 0 {
			b.WriteString("  Tests: none\n")
		}
		for _, t := range g.Tests {
			fmt.Fprintf(&b, "  Test: %s\n", t)
		}
	}
	for _, step := range []struct {
		name   string
		phases []PhaseExplanation
	}{{plan.StepPrepare, ex.Prepare}, {plan.StepFinish, ex.Finish}} {
		if len(step.phases) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\nStep: %s\n", step.name)
		for _, ph := range step.phases {
			fmt.Fprintf(&b, "  %s: %s [%s]\n", ph.Label, ph.Action, strings.Join(ph.Guests, ", "))
		}
	}
	return b.String()
}
