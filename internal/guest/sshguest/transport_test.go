package sshguest_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/stevehiehn/tmtgo/internal/guest"
	"github.com/stevehiehn/tmtgo/internal/guest/sshguest"
	"github.com/stevehiehn/tmtgo/internal/guest/sshguest/sshtest"
)

func newTransport(t *testing.T) (*sshguest.Transport, guest.Handle) {
	srv := sshtest.Start(t)
	pool := sshguest.NewPool(zaptest.NewLogger(t))
	pool.RetryInterval = 50 * time.Millisecond
	t.Cleanup(func() { pool.Close() })
	return sshguest.NewTransport(pool, zaptest.NewLogger(t)), guest.Handle{Address: srv.Address, Port: srv.Port, User: "tester"}
}

func TestRunReportsOutputAndExitCode(t *testing.T) {
	tr, h := newTransport(t)
	dir := t.TempDir()
	out, err := tr.Run(context.Background(), h, guest.Command{
		Script: `echo "$GREETING from $(basename "$PWD")"; echo warn >&2; exit 7`,
		Env:    map[string]string{"GREETING": "hello world"},
		Dir:    dir,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ExitCode != 7 {
		t.Errorf("expected exit code 7, got %d", out.ExitCode)
	}
	if strings.TrimSpace(out.Stdout) != "hello world from "+filepath.Base(dir) {
		t.Errorf("unexpected stdout %q", out.Stdout)
	}
	if strings.TrimSpace(out.Stderr) != "warn" {
		t.Errorf("unexpected stderr %q", out.Stderr)
	}

	// the pooled client is reused
	out, err = tr.Run(context.Background(), h, guest.Command{Script: "true"})
	if err != nil || out.ExitCode != 0 {
		t.Fatalf("unexpected result %+v, %v", out, err)
	}
}

func TestPushPullDirectory(t *testing.T) {
	tr, h := newTransport(t)
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "f.txt"), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	remote := filepath.Join(t.TempDir(), "remote", "tree")
	if err := tr.Push(context.Background(), h, src, remote); err != nil {
		t.Fatalf("push: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(remote, "sub", "f.txt")); err != nil || string(data) != "payload" {
		t.Fatalf("expected pushed file, got %q (%v)", data, err)
	}

	back := filepath.Join(t.TempDir(), "back")
	if err := tr.Pull(context.Background(), h, remote, back); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(back, "sub", "f.txt")); err != nil || string(data) != "payload" {
		t.Errorf("expected pulled file, got %q (%v)", data, err)
	}

	if err := tr.Pull(context.Background(), h, filepath.Join(t.TempDir(), "missing"), back); err == nil {
		t.Error("expected error pulling a missing directory")
	}
}

func TestPushSingleFile(t *testing.T) {
	tr, h := newTransport(t)
	src := filepath.Join(t.TempDir(), "local.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(t.TempDir(), "a", "remote.txt")
	if err := tr.Push(context.Background(), h, src, dst); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Errorf("expected file at %s: %v", dst, err)
	}
}

func TestRunCancelled(t *testing.T) {
	tr, h := newTransport(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := tr.Run(ctx, h, guest.Command{Script: "sleep 5"}); err == nil {
		t.Error("expected error on context expiry")
	}
}

func TestGetContextGivesUpOnDeadline(t *testing.T) {
	pool := sshguest.NewPool(zaptest.NewLogger(t))
	pool.RetryInterval = 20 * time.Millisecond
	defer pool.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := pool.GetContext(ctx, sshguest.Endpoint{Address: "127.0.0.1", Port: 1})
	if err == nil {
		t.Fatal("expected connection failure")
	}
}
