package engine

import (
	"fmt"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/stevehiehn/tmtgo/internal/plan"
)

// fingerprinted is the part of a plan a resumed run must agree on.
type fingerprinted struct {
	Name      string
	Guests    []fingerprintedGuest
	Directory string
	Filter    []string
	Tests     []fingerprintedTest
}

type fingerprintedGuest struct {
	Name       string
	How        string
	Role       string
	Connection string
	WaitFor    []string
}

type fingerprintedTest struct {
	Name  string
	Test  string
	Where []string
}

// Fingerprint hashes the plan name, guest topology and test list.
func Fingerprint(p *plan.Plan) (string, error) {
	in := fingerprinted{
		Name:      p.Name,
		Directory: p.Discover.Directory,
		Filter:    p.Discover.Filter,
	}
	for _, g := range p.Provision {
		in.Guests = append(in.Guests, fingerprintedGuest{
			Name:       g.Name,
			How:        g.How,
			Role:       g.Role,
			Connection: g.Connection,
			WaitFor:    g.WaitFor,
		})
	}
	for _, t := range p.Discover.Tests {
		in.Tests = append(in.Tests, fingerprintedTest{Name: t.Name, Test: t.Test, Where: t.Where})
	}
	hash, err := hashstructure.Hash(in, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("fingerprinting plan: %w", err)
	}
	return fmt.Sprintf("%016x", hash), nil
}
