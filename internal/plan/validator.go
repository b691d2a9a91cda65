package plan

import (
	"fmt"
	"path"
	"strings"

	tmterrors "github.com/stevehiehn/tmtgo/internal/errors"
	"github.com/stevehiehn/tmtgo/internal/guest"
	"github.com/stevehiehn/tmtgo/internal/prepare"
	"github.com/stevehiehn/tmtgo/internal/template"
)

// Validate checks a plan for structural correctness: guests, topology,
// phases, inline tests and the guest references of scripts.
func Validate(p *Plan) error {
	if p.Name == "" {
		return tmterrors.NewValidationError("plan has no name", "")
	}

	seen := map[string]bool{}
	for i, g := range p.Provision {
		if g.Name == "" {
			return tmterrors.NewValidationError(fmt.Sprintf("guest at index %d has no name", i), "")
		}
		if seen[g.Name] {
			return tmterrors.NewValidationError(fmt.Sprintf("duplicate guest name %q", g.Name), "")
		}
		seen[g.Name] = true
		if !knownMethod(g.How) {
			return &tmterrors.RunError{
				Type:    tmterrors.ValidationError,
				Message: fmt.Sprintf("guest %q: unknown provision method %q", g.Name, g.How),
				Hint:    "Known methods: " + strings.Join(guest.Methods, ", "),
			}
		}
	}
	if err := p.Topology().Validate(); err != nil {
		return &tmterrors.RunError{Type: tmterrors.ValidationError, Message: "invalid guest topology", Cause: err}
	}

	for _, phases := range []struct {
		step   string
		phases []prepare.Phase
	}{{StepPrepare, p.Prepare}, {StepFinish, p.Finish}} {
		for i, ph := range phases.phases {
			label := ph.Label(i)
			m, err := prepare.Get(ph.How)
			if err != nil {
				return &tmterrors.RunError{
					Type:    tmterrors.ValidationError,
					Step:    phases.step,
					Message: fmt.Sprintf("phase %q: unknown method %q", label, ph.How),
					Hint:    "Known methods: " + strings.Join(prepare.Names(), ", "),
				}
			}
			if err := m.Check(ph); err != nil {
				return &tmterrors.RunError{Type: tmterrors.ValidationError, Step: phases.step, Message: fmt.Sprintf("phase %q", label), Cause: err}
			}
			if err := p.checkWhere(ph.Where); err != nil {
				return &tmterrors.RunError{Type: tmterrors.ValidationError, Step: phases.step, Message: fmt.Sprintf("phase %q", label), Cause: err}
			}
			if err := p.checkRefs(ph.Script + ph.Content + ph.Path); err != nil {
				return &tmterrors.RunError{Type: tmterrors.ValidationError, Step: phases.step, Message: fmt.Sprintf("phase %q", label), Cause: err}
			}
		}
	}

	for _, pattern := range p.Discover.Filter {
		if err := checkPattern(pattern); err != nil {
			return &tmterrors.RunError{Type: tmterrors.ValidationError, Step: StepDiscover, Message: fmt.Sprintf("invalid filter %q", pattern), Cause: err}
		}
	}
	if p.Discover.Source != "" && !isArchive(p.Discover.Source) {
		return &tmterrors.RunError{
			Type:    tmterrors.ValidationError,
			Step:    StepDiscover,
			Message: fmt.Sprintf("unsupported source archive %q", p.Discover.Source),
			Hint:    "Use a .tar.gz, .tgz or .tar archive",
		}
	}

	return ValidateTests(p, p.Discover.Tests)
}

// ValidateTests checks test definitions against the plan. It also runs on
// tests discovered from test files.
func ValidateTests(p *Plan, tests []Test) error {
	names := map[string]bool{}
	for i, t := range tests {
		if t.Name == "" {
			return &tmterrors.RunError{Type: tmterrors.ValidationError, Step: StepDiscover, Message: fmt.Sprintf("test at index %d has no name", i)}
		}
		fail := func(msg, hint string) error {
			return &tmterrors.RunError{Type: tmterrors.ValidationError, Step: StepDiscover, Message: fmt.Sprintf("test %q: %s", t.Name, msg), Hint: hint}
		}
		if !strings.HasPrefix(t.Name, "/") {
			return fail("name must start with '/'", "")
		}
		if names[t.Name] {
			return &tmterrors.RunError{Type: tmterrors.ValidationError, Step: StepDiscover, Message: fmt.Sprintf("duplicate test name %q", t.Name)}
		}
		names[t.Name] = true
		if strings.TrimSpace(t.Test) == "" {
			return fail("missing test script", "")
		}
		if f := t.Framework; f != "" && f != FrameworkShell && f != FrameworkBeakerlib {
			return fail(fmt.Sprintf("unsupported framework %q", f), "Use shell or beakerlib")
		}
		if r := t.Result; r != "" && r != ResultRespect && r != ResultCustom {
			return fail(fmt.Sprintf("unknown result interpretation %q", r), "Use respect or custom")
		}
		if t.Duration != "" {
			if _, err := ParseDuration(t.Duration); err != nil {
				return fail(err.Error(), "Durations look like 30s, 5m, 2h or 1d")
			}
		}
		if err := p.checkWhere(t.Where); err != nil {
			return fail(err.Error(), "")
		}
		if err := p.checkRefs(t.Test); err != nil {
			return fail(err.Error(), "")
		}
	}
	return nil
}

func knownMethod(how string) bool {
	for _, m := range guest.Methods {
		if m == how {
			return true
		}
	}
	return false
}

// checkPattern validates every component of a filter glob; path.Match
// reports a malformed pattern even when it does not match.
func checkPattern(pattern string) error {
	for _, part := range strings.Split(pattern, "/") {
		if part == "**" {
			continue
		}
		if _, err := path.Match(part, ""); err != nil {
			return err
		}
	}
	return nil
}

func isArchive(name string) bool {
	for _, ext := range []string{".tar.gz", ".tgz", ".tar"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// checkWhere rejects entries naming neither a guest nor a role.
func (p *Plan) checkWhere(where []string) error {
	if _, unknown := p.Topology().Resolve(where); len(unknown) > 0 {
		return fmt.Errorf("where names unknown guest or role %s", strings.Join(unknown, ", "))
	}
	return nil
}

// checkRefs rejects {{guests.X.F}} and {{roles.R.F}} references to guests
// and roles the plan does not declare.
func (p *Plan) checkRefs(s string) error {
	guests, roles := template.References(s)
	for _, name := range guests {
		found := false
		for _, g := range p.Provision {
			if g.Name == name {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("references unknown guest %q", name)
		}
	}
	for _, role := range roles {
		found := false
		for _, g := range p.Provision {
			if g.Role == role {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("references unknown role %q", role)
		}
	}
	return nil
}
