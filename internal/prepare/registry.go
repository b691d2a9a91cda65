// Package prepare implements the phases of the prepare and finish steps.
package prepare

import (
	"context"
	"fmt"
	"sort"

	"github.com/stevehiehn/tmtgo/internal/guest"
)

// Target is the guest a phase is applied to.
type Target interface {
	Execute(ctx context.Context, cmd guest.Command) (guest.Output, error)
}

// Method is one phase implementation.
type Method interface {
	// Check validates the phase fields without touching a guest.
	Check(p Phase) error
	// Apply runs the phase. base carries the environment, working directory
	// and timeout every command of the phase uses.
	Apply(ctx context.Context, t Target, p Phase, base guest.Command) error
	DryRun(p Phase) string
}

var registry = map[string]Method{}

func init() {
	registry["shell"] = &Shell{}
	registry["install"] = &Install{}
	registry["file"] = &File{}
}

// Get returns a method by name.
func Get(name string) (Method, error) {
	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown prepare method %q (known: %v)", name, Names())
	}
	return m, nil
}

// Known returns true if the method name is registered.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Names lists the registered methods, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
