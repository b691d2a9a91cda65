// Package container runs guests as containers managed by a podman or docker
// compatible engine CLI.
package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stevehiehn/tmtgo/internal/guest"
	"github.com/stevehiehn/tmtgo/internal/guest/local"
	"github.com/stevehiehn/tmtgo/internal/hardware"
	"github.com/stevehiehn/tmtgo/internal/runner"
)

const (
	DefaultEngine = "podman"
	DefaultImage  = "fedora:latest"
)

// Backend is the container provisioning method.
type Backend struct {
	engine []string
	logger *zap.Logger
	// Profile detects the capabilities shared by every container. Defaults to
	// the host profile.
	Profile func(context.Context) (hardware.Profile, error)

	once    sync.Once
	profile hardware.Profile
	err     error
}

// New builds a backend around engine, a command line such as "podman" or
// "sudo docker".
func New(engine string, logger *zap.Logger) (*Backend, error) {
	if engine == "" {
		engine = DefaultEngine
	}
	argv, err := shlex.Split(engine)
	if err != nil {
		return nil, fmt.Errorf("parsing container engine %q: %w", engine, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty container engine")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{engine: argv, logger: logger, Profile: local.HostProfile}, nil
}

func (b *Backend) exec(ctx context.Context, stdin io.Reader, args ...string) *runner.ShellResult {
	argv := append(append([]string(nil), b.engine[1:]...), args...)
	return runner.Exec(ctx, runner.Request{Inherit: true, Stdin: stdin}, b.engine[0], argv...)
}

// check runs an engine command that must succeed and returns its stdout.
func (b *Backend) check(ctx context.Context, args ...string) (string, error) {
	r := b.exec(ctx, nil, args...)
	if r.Err != nil {
		return "", fmt.Errorf("%s %s: %w", b.engine[0], args[0], r.Err)
	}
	if r.ExitCode != 0 {
		return "", fmt.Errorf("%s %s failed with exit code %d: %s", b.engine[0], args[0], r.ExitCode, strings.TrimSpace(r.Stderr))
	}
	return strings.TrimSpace(r.Stdout), nil
}

// Candidates offers one candidate: containers share the host hardware.
func (b *Backend) Candidates(ctx context.Context, spec guest.Spec) ([]guest.Candidate, error) {
	b.once.Do(func() {
		b.profile, b.err = b.Profile(ctx)
	})
	if b.err != nil {
		return nil, fmt.Errorf("detecting host profile: %w", b.err)
	}
	return []guest.Candidate{{Name: "container-host", Profile: b.profile}}, nil
}

func (b *Backend) Start(ctx context.Context, spec guest.Spec) (guest.Handle, error) {
	name := spec.Options["name"]
	if name == "" {
		name = "tmtgo-" + spec.Name + "-" + uuid.NewString()[:8]
	}
	image := spec.Image
	if image == "" {
		image = DefaultImage
	}
	args := []string{"run", "-d", "--name", name}
	if network := spec.Options["network"]; network != "" {
		args = append(args, "--network", network)
	} else if spec.Connection != guest.ConnectionGuest {
		args = append(args, "--network", "host")
	}
	args = append(args, image, "sleep", "infinity")

	b.logger.Info("starting container", zap.String("guest", spec.Name), zap.String("image", image), zap.String("container", name))
	id, err := b.check(ctx, args...)
	if err != nil {
		return guest.Handle{}, err
	}
	return guest.Handle{
		ID:      name,
		Address: name,
		Data:    map[string]string{"image": image, "container-id": id},
	}, nil
}

func (b *Backend) Stop(ctx context.Context, h guest.Handle) error {
	_, err := b.check(ctx, "rm", "-f", h.ID)
	return err
}

func (b *Backend) Run(ctx context.Context, h guest.Handle, cmd guest.Command) (guest.Output, error) {
	b.logger.Debug("running command", zap.String("container", h.ID), zap.String("command", guest.Summarize(cmd.Script)))
	r := b.exec(ctx, nil, "exec", "-i", h.ID, guest.Shell, "-c", guest.Script(cmd))
	return guest.Output{Stdout: r.Stdout, Stderr: r.Stderr, ExitCode: r.ExitCode}, r.Err
}

// Push copies src to the same-named dst inside the container. A directory is
// copied by its contents.
func (b *Backend) Push(ctx context.Context, h guest.Handle, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	parent, from := path.Dir(dst), src
	if info.IsDir() {
		parent, from = dst, strings.TrimSuffix(src, "/")+"/."
	}
	if _, err := b.check(ctx, "exec", h.ID, "mkdir", "-p", parent); err != nil {
		return err
	}
	_, err = b.check(ctx, "cp", from, h.ID+":"+dst)
	return err
}

// Pull copies the contents of the directory src in the container into dst.
func (b *Backend) Pull(ctx context.Context, h guest.Handle, src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	_, err := b.check(ctx, "cp", h.ID+":"+strings.TrimSuffix(src, "/")+"/.", dst)
	return err
}

// Reboot restarts the container. A hard reboot does not wait for the
// processes to exit.
func (b *Backend) Reboot(ctx context.Context, h guest.Handle, hard bool) error {
	args := []string{"restart"}
	if hard {
		args = append(args, "-t", "0")
	}
	_, err := b.check(ctx, append(args, h.ID)...)
	return err
}
