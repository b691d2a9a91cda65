// Package local runs guest commands directly on the host.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/otiai10/copy"
	"go.uber.org/zap"

	"github.com/stevehiehn/tmtgo/internal/guest"
	"github.com/stevehiehn/tmtgo/internal/hardware"
	"github.com/stevehiehn/tmtgo/internal/runner"
)

// ErrRebootUnsupported is returned for reboot requests; the host is never
// rebooted.
var ErrRebootUnsupported = errors.New("the local guest cannot be rebooted")

// Backend is the local provisioning method.
type Backend struct {
	logger *zap.Logger
	// Profile detects the host capabilities. Defaults to HostProfile.
	Profile func(context.Context) (hardware.Profile, error)

	once    sync.Once
	profile hardware.Profile
	err     error
}

func New(logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{logger: logger, Profile: HostProfile}
}

func (b *Backend) hostProfile(ctx context.Context) (hardware.Profile, error) {
	b.once.Do(func() {
		b.profile, b.err = b.Profile(ctx)
	})
	return b.profile, b.err
}

// Candidates offers the host itself.
func (b *Backend) Candidates(ctx context.Context, spec guest.Spec) ([]guest.Candidate, error) {
	p, err := b.hostProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("detecting host profile: %w", err)
	}
	return []guest.Candidate{{Name: "localhost", Profile: p}}, nil
}

func (b *Backend) Start(ctx context.Context, spec guest.Spec) (guest.Handle, error) {
	hostname, _ := os.Hostname()
	return guest.Handle{
		ID:      "localhost",
		Address: "127.0.0.1",
		Data:    map[string]string{"hostname": hostname},
	}, nil
}

func (b *Backend) Stop(ctx context.Context, h guest.Handle) error {
	return nil
}

func (b *Backend) Run(ctx context.Context, h guest.Handle, cmd guest.Command) (guest.Output, error) {
	b.logger.Debug("running command", zap.String("guest", h.ID), zap.String("command", guest.Summarize(cmd.Script)))
	r := runner.RunContext(ctx, runner.Request{
		Command: cmd.Script,
		Dir:     cmd.Dir,
		Env:     cmd.Env,
		Shell:   guest.Shell,
	})
	out := guest.Output{Stdout: r.Stdout, Stderr: r.Stderr, ExitCode: r.ExitCode}
	if r.Err != nil {
		return out, r.Err
	}
	return out, nil
}

// Push copies src to dst. The guest shares the host filesystem, so a copy
// onto itself is skipped.
func (b *Backend) Push(ctx context.Context, h guest.Handle, src, dst string) error {
	return transfer(src, dst)
}

func (b *Backend) Pull(ctx context.Context, h guest.Handle, src, dst string) error {
	return transfer(src, dst)
}

func transfer(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copy.Copy(src, dst)
}

func (b *Backend) Reboot(ctx context.Context, h guest.Handle, hard bool) error {
	return ErrRebootUnsupported
}
