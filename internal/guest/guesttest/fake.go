// Package guesttest provides an in-process backend for tests. Commands run
// on the host; every call is recorded.
package guesttest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/otiai10/copy"

	"github.com/stevehiehn/tmtgo/internal/guest"
	"github.com/stevehiehn/tmtgo/internal/hardware"
	"github.com/stevehiehn/tmtgo/internal/runner"
)

// Call is one recorded backend invocation.
type Call struct {
	Op     string
	Guest  string
	Script string
	Env    map[string]string
}

// Fake is a guest.Backend and guest.CandidateLister.
type Fake struct {
	// Profiles are offered as candidates; none means a single candidate
	// with an empty profile.
	Profiles []hardware.Profile
	// StartErr and StopErr inject failures per guest name.
	StartErr map[string]error
	StopErr  map[string]error
	// RunHook, when set, replaces host execution.
	RunHook func(ctx context.Context, h guest.Handle, cmd guest.Command) (guest.Output, error)

	mu    sync.Mutex
	calls []Call
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

// Calls returns the recorded calls, optionally only of one operation.
func (f *Fake) Calls(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) Candidates(ctx context.Context, spec guest.Spec) ([]guest.Candidate, error) {
	if len(f.Profiles) == 0 {
		return []guest.Candidate{{Name: "fake"}}, nil
	}
	out := make([]guest.Candidate, len(f.Profiles))
	for i, p := range f.Profiles {
		out[i] = guest.Candidate{Name: fmt.Sprintf("fake-%d", i), Profile: p}
	}
	return out, nil
}

func (f *Fake) Start(ctx context.Context, spec guest.Spec) (guest.Handle, error) {
	f.record(Call{Op: "start", Guest: spec.Name})
	if err := f.StartErr[spec.Name]; err != nil {
		return guest.Handle{}, err
	}
	h := guest.Handle{ID: spec.Name, Address: "127.0.0.1"}
	if spec.Candidate != nil {
		h.Data = map[string]string{"candidate": spec.Candidate.Name}
	}
	return h, nil
}

func (f *Fake) Stop(ctx context.Context, h guest.Handle) error {
	f.record(Call{Op: "stop", Guest: h.ID})
	return f.StopErr[h.ID]
}

func (f *Fake) Run(ctx context.Context, h guest.Handle, cmd guest.Command) (guest.Output, error) {
	f.record(Call{Op: "run", Guest: h.ID, Script: cmd.Script, Env: cmd.Env})
	if f.RunHook != nil {
		return f.RunHook(ctx, h, cmd)
	}
	r := runner.RunContext(ctx, runner.Request{Command: cmd.Script, Dir: cmd.Dir, Env: cmd.Env, Shell: guest.Shell})
	return guest.Output{Stdout: r.Stdout, Stderr: r.Stderr, ExitCode: r.ExitCode}, r.Err
}

func (f *Fake) Push(ctx context.Context, h guest.Handle, src, dst string) error {
	f.record(Call{Op: "push", Guest: h.ID, Script: dst})
	return transfer(src, dst)
}

func (f *Fake) Pull(ctx context.Context, h guest.Handle, src, dst string) error {
	f.record(Call{Op: "pull", Guest: h.ID, Script: src})
	return transfer(src, dst)
}

func (f *Fake) Reboot(ctx context.Context, h guest.Handle, hard bool) error {
	f.record(Call{Op: "reboot", Guest: h.ID})
	return nil
}

func transfer(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	if _, err := os.Stat(src); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copy.Copy(src, dst)
}
