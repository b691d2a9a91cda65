// Package guest manages the machines tests run on: backend contracts and
// registry, hardware-gated provisioning, multihost topology and the
// readiness barrier that orders guests.
package guest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tmterrors "github.com/stevehiehn/tmtgo/internal/errors"
	"github.com/stevehiehn/tmtgo/internal/hardware"
)

// Provisioning methods.
const (
	MethodContainer = "container"
	MethodVirtual   = "virtual"
	MethodConnect   = "connect"
	MethodLocal     = "local"
)

// Methods lists every provisioning method.
var Methods = []string{MethodContainer, MethodVirtual, MethodConnect, MethodLocal}

// Connection modes.
const (
	ConnectionSystem = "system"
	ConnectionGuest  = "guest"
)

// Shell runs every guest command.
const Shell = "bash"

// ExitTimeout is reported for a command killed by its timeout.
const ExitTimeout = 124

// Handle is the serializable reference to a started guest.
type Handle struct {
	ID      string            `yaml:"id,omitempty" json:"id,omitempty"`
	Address string            `yaml:"address,omitempty" json:"address,omitempty"`
	User    string            `yaml:"user,omitempty" json:"user,omitempty"`
	Port    int               `yaml:"port,omitempty" json:"port,omitempty"`
	Key     string            `yaml:"key,omitempty" json:"key,omitempty"`
	Data    map[string]string `yaml:"data,omitempty" json:"data,omitempty"`
}

// Spec is everything a backend needs to start a guest.
type Spec struct {
	Name       string
	Role       string
	Method     string
	Connection string
	WaitFor    []string
	Image      string
	Address    string
	User       string
	Port       int
	Key        string
	Options    map[string]string
	// Hardware is the merged requirement of the plan, the guest and every
	// test targeting it.
	Hardware hardware.Constraint
	// Candidate is the machine chosen by hardware gating, if the backend
	// offers candidates.
	Candidate *Candidate
}

// Candidate is a machine a backend could start or connect to.
type Candidate struct {
	Name    string
	Profile hardware.Profile
	Handle  Handle
}

// Command is one shell invocation on a guest. Environment and working
// directory are passed explicitly, never inherited.
type Command struct {
	Script  string
	Env     map[string]string
	Dir     string
	Timeout time.Duration
}

// Output of a finished command. A non-zero ExitCode is not an error.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Backend is one provisioning method. Run reports the exit code in Output
// and returns an error only when the command could not be carried out.
type Backend interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
	Stop(ctx context.Context, h Handle) error
	Run(ctx context.Context, h Handle, cmd Command) (Output, error)
	Push(ctx context.Context, h Handle, src, dst string) error
	Pull(ctx context.Context, h Handle, src, dst string) error
	Reboot(ctx context.Context, h Handle, hard bool) error
}

// HardwareDeclarer is a backend that forwards hardware requirements to the
// system that creates the machine.
type HardwareDeclarer interface {
	DeclareHardware(c hardware.Constraint) error
}

// CandidateLister is a backend choosing among known machines. The first
// candidate satisfying the requirement is started.
type CandidateLister interface {
	Candidates(ctx context.Context, spec Spec) ([]Candidate, error)
}

// Record is the persisted form of a guest.
type Record struct {
	Name        string            `yaml:"name"`
	Role        string            `yaml:"role,omitempty"`
	Method      string            `yaml:"how"`
	Connection  string            `yaml:"connection,omitempty"`
	WaitFor     []string          `yaml:"wait-for,omitempty"`
	Handle      Handle            `yaml:"handle"`
	Profile     *hardware.Profile `yaml:"profile,omitempty"`
	RebootCount int               `yaml:"reboot-count"`
	Ready       bool              `yaml:"ready"`
	Stopped     bool              `yaml:"stopped"`
}

// Guest is a started machine bound to its backend.
type Guest struct {
	Name       string
	Role       string
	Method     string
	Connection string
	WaitFor    []string
	Handle     Handle
	Profile    hardware.Profile

	backend Backend

	mu          sync.Mutex
	rebootCount int
	ready       bool
	stopped     bool
}

// RebootCount is the number of reboots performed so far.
func (g *Guest) RebootCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rebootCount
}

func (g *Guest) markReady() {
	g.mu.Lock()
	g.ready = true
	g.mu.Unlock()
}

// Record snapshots the guest for persistence.
func (g *Guest) Record() Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := Record{
		Name:        g.Name,
		Role:        g.Role,
		Method:      g.Method,
		Connection:  g.Connection,
		WaitFor:     g.WaitFor,
		Handle:      g.Handle,
		RebootCount: g.rebootCount,
		Ready:       g.ready,
		Stopped:     g.stopped,
	}
	p := g.Profile
	rec.Profile = &p
	return rec
}

// Run executes cmd. When the command timeout expires the output carries
// ExitTimeout; expiry of ctx itself is an error.
func (g *Guest) Run(ctx context.Context, cmd Command) (Output, error) {
	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	out, err := g.backend.Run(runCtx, g.Handle, cmd)
	if cmd.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		out.ExitCode = ExitTimeout
		return out, nil
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return out, g.ioError(Summarize(cmd.Script), out, err)
	}
	return out, nil
}

// Execute runs cmd and reports a non-zero exit code as a GuestIOError.
func (g *Guest) Execute(ctx context.Context, cmd Command) (Output, error) {
	out, err := g.Run(ctx, cmd)
	if err != nil {
		return out, err
	}
	if out.ExitCode != 0 {
		return out, g.ioError(Summarize(cmd.Script), out, nil)
	}
	return out, nil
}

// Push copies the local path src to dst on the guest.
func (g *Guest) Push(ctx context.Context, src, dst string) error {
	if err := g.backend.Push(ctx, g.Handle, src, dst); err != nil {
		return g.ioError("push "+dst, Output{}, err)
	}
	return nil
}

// Pull copies src on the guest to the local path dst.
func (g *Guest) Pull(ctx context.Context, src, dst string) error {
	if err := g.backend.Pull(ctx, g.Handle, src, dst); err != nil {
		return g.ioError("pull "+src, Output{}, err)
	}
	return nil
}

// Reboot restarts the guest and increments its reboot counter.
func (g *Guest) Reboot(ctx context.Context, hard bool) error {
	if err := g.backend.Reboot(ctx, g.Handle, hard); err != nil {
		return g.ioError("reboot", Output{}, err)
	}
	g.mu.Lock()
	g.rebootCount++
	g.mu.Unlock()
	return nil
}

func (g *Guest) ioError(command string, out Output, cause error) error {
	var gio *tmterrors.GuestIOError
	if errors.As(cause, &gio) {
		return cause
	}
	return &tmterrors.GuestIOError{
		Guest:    g.Name,
		Command:  command,
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Cause:    cause,
	}
}

// Summarize shortens a script to its first line for error messages.
func Summarize(script string) string {
	script = strings.TrimSpace(script)
	line, _, more := strings.Cut(script, "\n")
	if len(line) > 60 {
		line = line[:57] + "..."
		more = true
	}
	if more && !strings.HasSuffix(line, "...") {
		line += " ..."
	}
	return line
}

// Fields exposes guest facts to script templates.
func (g *Guest) Fields() map[string]string {
	fields := map[string]string{
		"name":    g.Name,
		"role":    g.Role,
		"address": g.Handle.Address,
		"user":    g.Handle.User,
	}
	if g.Handle.Port != 0 {
		fields["port"] = fmt.Sprint(g.Handle.Port)
	}
	if fields["address"] == "" {
		fields["address"] = "127.0.0.1"
	}
	return fields
}
