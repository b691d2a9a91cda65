// Package connect attaches to machines that already exist and are reachable
// over SSH.
package connect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/shlex"
	homedir "github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/stevehiehn/tmtgo/internal/guest"
	"github.com/stevehiehn/tmtgo/internal/guest/sshguest"
	"github.com/stevehiehn/tmtgo/internal/hardware"
	"github.com/stevehiehn/tmtgo/internal/runner"
)

// ErrHardRebootUnsupported is returned when no hard reboot command is
// configured for the machine.
var ErrHardRebootUnsupported = errors.New("no hard-reboot command configured")

// Entry is one machine of the catalog.
type Entry struct {
	Name       string           `yaml:"name"`
	Address    string           `yaml:"address"`
	User       string           `yaml:"user,omitempty"`
	Port       int              `yaml:"port,omitempty"`
	Key        string           `yaml:"key,omitempty"`
	Password   string           `yaml:"password,omitempty"`
	SoftReboot string           `yaml:"soft-reboot,omitempty"`
	HardReboot string           `yaml:"hard-reboot,omitempty"`
	Profile    hardware.Profile `yaml:"profile,omitempty"`
}

// LoadCatalog reads a YAML list of machines. An empty path is an empty
// catalog.
func LoadCatalog(path string) ([]Entry, error) {
	if path == "" {
		return nil, nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	for i, e := range entries {
		if e.Address == "" {
			return nil, fmt.Errorf("catalog %s: entry %d has no address", path, i)
		}
		if e.Name == "" {
			entries[i].Name = e.Address
		}
	}
	return entries, nil
}

// Backend is the connect provisioning method.
type Backend struct {
	transport *sshguest.Transport
	catalog   []Entry
	logger    *zap.Logger
	// User and Key apply when neither the plan nor the catalog sets them.
	User string
	Key  string
}

func New(transport *sshguest.Transport, catalog []Entry, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{transport: transport, catalog: catalog, logger: logger}
}

func (b *Backend) entry(e Entry, spec guest.Spec) guest.Candidate {
	h := guest.Handle{
		ID:      e.Name,
		Address: e.Address,
		User:    firstOf(spec.User, e.User, b.User),
		Port:    e.Port,
		Key:     firstOf(spec.Key, e.Key, b.Key),
		Data:    map[string]string{},
	}
	if spec.Port != 0 {
		h.Port = spec.Port
	}
	for k, v := range map[string]string{
		"password":    firstOf(spec.Options["password"], e.Password),
		"soft-reboot": firstOf(spec.Options["soft-reboot"], e.SoftReboot),
		"hard-reboot": firstOf(spec.Options["hard-reboot"], e.HardReboot),
	} {
		if v != "" {
			h.Data[k] = v
		}
	}
	return guest.Candidate{Name: e.Name, Profile: e.Profile, Handle: h}
}

// Candidates offers the machine named by the plan, or the whole catalog.
// A machine named by address picks up its catalog profile if listed.
func (b *Backend) Candidates(ctx context.Context, spec guest.Spec) ([]guest.Candidate, error) {
	if spec.Address != "" {
		e := Entry{Name: spec.Address, Address: spec.Address}
		for _, known := range b.catalog {
			if known.Address == spec.Address || known.Name == spec.Address {
				e = known
				break
			}
		}
		return []guest.Candidate{b.entry(e, spec)}, nil
	}
	if len(b.catalog) == 0 {
		return nil, fmt.Errorf("guest %q has no address and the machine catalog is empty", spec.Name)
	}
	out := make([]guest.Candidate, 0, len(b.catalog))
	for _, e := range b.catalog {
		out = append(out, b.entry(e, spec))
	}
	return out, nil
}

// Start verifies the chosen machine answers over SSH.
func (b *Backend) Start(ctx context.Context, spec guest.Spec) (guest.Handle, error) {
	if spec.Candidate == nil {
		return guest.Handle{}, fmt.Errorf("no machine selected for guest %q", spec.Name)
	}
	h := spec.Candidate.Handle
	out, err := b.transport.Run(ctx, h, guest.Command{Script: "true"})
	if err != nil {
		return h, fmt.Errorf("connecting to %s: %w", h.Address, err)
	}
	if out.ExitCode != 0 {
		return h, fmt.Errorf("connecting to %s: probe failed with exit code %d", h.Address, out.ExitCode)
	}
	b.logger.Info("connected", zap.String("guest", spec.Name), zap.String("address", h.Address))
	return h, nil
}

// Stop leaves the machine running; only connections are closed.
func (b *Backend) Stop(ctx context.Context, h guest.Handle) error {
	b.transport.Pool.Drop(sshguest.FromHandle(h))
	return nil
}

func (b *Backend) Run(ctx context.Context, h guest.Handle, cmd guest.Command) (guest.Output, error) {
	return b.transport.Run(ctx, h, cmd)
}

func (b *Backend) Push(ctx context.Context, h guest.Handle, src, dst string) error {
	return b.transport.Push(ctx, h, src, dst)
}

func (b *Backend) Pull(ctx context.Context, h guest.Handle, src, dst string) error {
	return b.transport.Pull(ctx, h, src, dst)
}

// Reboot runs the soft reboot command on the guest, or for a hard reboot the
// configured hard-reboot command on the host.
func (b *Backend) Reboot(ctx context.Context, h guest.Handle, hard bool) error {
	if !hard {
		return b.transport.Reboot(ctx, h, h.Data["soft-reboot"])
	}
	command := h.Data["hard-reboot"]
	if command == "" {
		return ErrHardRebootUnsupported
	}
	argv, err := shlex.Split(command)
	if err != nil || len(argv) == 0 {
		return fmt.Errorf("invalid hard-reboot command %q: %v", command, err)
	}
	before, err := b.transport.BootID(ctx, h)
	if err != nil {
		return fmt.Errorf("reading boot id before reboot: %w", err)
	}
	b.logger.Info("hard rebooting guest", zap.String("address", h.Address), zap.Strings("command", argv))
	r := runner.Exec(ctx, runner.Request{Inherit: true}, argv[0], argv[1:]...)
	if r.Err != nil {
		return r.Err
	}
	if r.ExitCode != 0 {
		return fmt.Errorf("hard-reboot command failed with exit code %d: %s", r.ExitCode, strings.TrimSpace(r.Stderr))
	}
	b.transport.Pool.Drop(sshguest.FromHandle(h))
	return b.transport.WaitForReboot(ctx, h, before)
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
