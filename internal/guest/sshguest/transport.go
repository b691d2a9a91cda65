package sshguest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/stevehiehn/tmtgo/internal/archive"
	"github.com/stevehiehn/tmtgo/internal/guest"
)

// DefaultRebootCommand is run for a soft reboot.
const DefaultRebootCommand = "reboot"

// Transport runs commands and moves files over SSH.
type Transport struct {
	Pool   *Pool
	logger *zap.Logger
	// RebootTimeout bounds waiting for a guest to come back.
	RebootTimeout time.Duration
}

func NewTransport(pool *Pool, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{Pool: pool, logger: logger, RebootTimeout: 10 * time.Minute}
}

// session runs fn with a fresh session on a pooled client.
func (t *Transport) session(ctx context.Context, h guest.Handle, fn func(*ssh.Session) error) error {
	e := FromHandle(h)
	client, err := t.Pool.GetContext(ctx, e)
	if err != nil {
		return err
	}
	s, err := client.NewSession()
	if err != nil {
		client.Close()
		return err
	}
	err = fn(s)
	s.Close()
	t.Pool.Put(e, client)
	return err
}

// runSession starts command on s and waits for it, killing it if ctx is done.
func runSession(ctx context.Context, s *ssh.Session, command string) error {
	if err := s.Start(command); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- s.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = s.Signal(ssh.SIGKILL)
		s.Close()
		return ctx.Err()
	}
}

// exitCode splits a remote exit status from a transport failure.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return 1, err
}

func (t *Transport) Run(ctx context.Context, h guest.Handle, cmd guest.Command) (guest.Output, error) {
	var out guest.Output
	err := t.session(ctx, h, func(s *ssh.Session) error {
		var stdout, stderr bytes.Buffer
		s.Stdout = &stdout
		s.Stderr = &stderr
		t.logger.Debug("running command", zap.String("host", h.Address), zap.String("command", guest.Summarize(cmd.Script)))
		code, err := exitCode(runSession(ctx, s, guest.CommandLine(cmd)))
		out = guest.Output{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}
		return err
	})
	return out, err
}

// Push streams src as a tar archive into dst on the guest.
func (t *Transport) Push(ctx context.Context, h guest.Handle, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	dir, name := dst, ""
	if !info.IsDir() {
		dir, name = path.Dir(dst), path.Base(dst)
	}
	return t.session(ctx, h, func(s *ssh.Session) error {
		stdin, err := s.StdinPipe()
		if err != nil {
			return err
		}
		var stderr bytes.Buffer
		s.Stderr = &stderr
		writeErr := make(chan error, 1)
		go func() {
			err := archive.Write(stdin, src, name)
			stdin.Close()
			writeErr <- err
		}()
		command := fmt.Sprintf("mkdir -p %s && tar -xf - -C %s", guest.Quote(dir), guest.Quote(dir))
		code, err := exitCode(runSession(ctx, s, command))
		if err != nil {
			return err
		}
		if code != 0 {
			return fmt.Errorf("unpacking into %s failed with exit code %d: %s", dst, code, strings.TrimSpace(stderr.String()))
		}
		return <-writeErr
	})
}

// Pull streams the directory src on the guest into dst.
func (t *Transport) Pull(ctx context.Context, h guest.Handle, src, dst string) error {
	return t.session(ctx, h, func(s *ssh.Session) error {
		stdout, err := s.StdoutPipe()
		if err != nil {
			return err
		}
		var stderr bytes.Buffer
		s.Stderr = &stderr
		command := fmt.Sprintf("tar -cf - -C %s .", guest.Quote(src))
		if err := s.Start(command); err != nil {
			return err
		}
		extractErr := archive.Extract(stdout, dst)
		// drain so the remote side can finish
		io.Copy(io.Discard, stdout)
		code, err := exitCode(s.Wait())
		if err != nil {
			return err
		}
		if code != 0 {
			return fmt.Errorf("archiving %s failed with exit code %d: %s", src, code, strings.TrimSpace(stderr.String()))
		}
		return extractErr
	})
}

// BootID identifies the current boot of the guest.
func (t *Transport) BootID(ctx context.Context, h guest.Handle) (string, error) {
	out, err := t.Run(ctx, h, guest.Command{Script: "cat /proc/sys/kernel/random/boot_id"})
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("reading boot id failed with exit code %d", out.ExitCode)
	}
	return strings.TrimSpace(out.Stdout), nil
}

// Reboot runs command on the guest (DefaultRebootCommand if empty) and waits
// until the guest answers with a new boot id.
func (t *Transport) Reboot(ctx context.Context, h guest.Handle, command string) error {
	if command == "" {
		command = DefaultRebootCommand
	}
	before, err := t.BootID(ctx, h)
	if err != nil {
		return fmt.Errorf("reading boot id before reboot: %w", err)
	}
	t.logger.Info("rebooting guest", zap.String("host", h.Address), zap.String("command", command))
	// the connection usually drops before the command reports back
	_ = t.session(ctx, h, func(s *ssh.Session) error {
		return s.Start(guest.CommandLine(guest.Command{Script: command}))
	})
	t.Pool.Drop(FromHandle(h))
	return t.WaitForReboot(ctx, h, before)
}

// WaitForReboot polls with exponential backoff until the boot id differs
// from before.
func (t *Transport) WaitForReboot(ctx context.Context, h guest.Handle, before string) error {
	ctx, cancel := context.WithTimeout(ctx, t.RebootTimeout)
	defer cancel()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 15 * time.Second
	policy.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		probe, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		id, err := t.BootID(probe, h)
		if err != nil {
			t.Pool.Drop(FromHandle(h))
			return err
		}
		if id == before {
			return fmt.Errorf("guest %s has not rebooted yet", h.Address)
		}
		return nil
	}, backoff.WithContext(policy, ctx))
}
