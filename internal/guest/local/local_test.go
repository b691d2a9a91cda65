package local

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	tmterrors "github.com/stevehiehn/tmtgo/internal/errors"
	"github.com/stevehiehn/tmtgo/internal/guest"
	"github.com/stevehiehn/tmtgo/internal/hardware"
)

func newManager(t *testing.T, profile hardware.Profile) *guest.Manager {
	b := New(zaptest.NewLogger(t))
	b.Profile = func(context.Context) (hardware.Profile, error) { return profile, nil }
	reg := guest.NewRegistry()
	reg.Register(guest.MethodLocal, b)
	return guest.NewManager(reg, zaptest.NewLogger(t))
}

func TestProvisionGatesOnHostProfile(t *testing.T) {
	m := newManager(t, hardware.Profile{Arch: "x86_64", Memory: hardware.SizeOf(8 << 30)})
	ctx := context.Background()

	g, err := m.Provision(ctx, guest.Spec{
		Name:     "default-0",
		Method:   guest.MethodLocal,
		Hardware: hardware.MustParse(map[string]any{"memory": ">= 4 GiB"}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Profile.Arch != "x86_64" {
		t.Errorf("expected host profile on guest, got %+v", g.Profile)
	}

	_, err = m.Provision(ctx, guest.Spec{
		Name:     "big",
		Method:   guest.MethodLocal,
		Hardware: hardware.MustParse(map[string]any{"memory": ">= 64 GiB"}),
	})
	var mismatch *tmterrors.CapabilityMismatchError
	if !stderrors.As(err, &mismatch) {
		t.Fatalf("expected CapabilityMismatchError, got %v", err)
	}
	var gio *tmterrors.GuestIOError
	if stderrors.As(err, &gio) {
		t.Error("capability mismatch must not look like an I/O error")
	}
}

func TestRunUsesExplicitEnvironmentAndTimeout(t *testing.T) {
	m := newManager(t, hardware.Profile{})
	g, err := m.Provision(context.Background(), guest.Spec{Name: "g", Method: guest.MethodLocal})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dir := t.TempDir()
	out, err := g.Run(context.Background(), guest.Command{
		Script: `echo "$TMT_TEST_NAME" > name.txt; exit 3`,
		Env:    map[string]string{"TMT_TEST_NAME": "/smoke"},
		Dir:    dir,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", out.ExitCode)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "name.txt"))
	if strings.TrimSpace(string(data)) != "/smoke" {
		t.Errorf("expected test name in environment, got %q", data)
	}

	out, err = g.Run(context.Background(), guest.Command{Script: "sleep 5", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ExitCode != guest.ExitTimeout {
		t.Errorf("expected timeout exit code, got %d", out.ExitCode)
	}

	_, err = g.Execute(context.Background(), guest.Command{Script: "echo nope >&2; exit 1"})
	var gio *tmterrors.GuestIOError
	if !stderrors.As(err, &gio) {
		t.Fatalf("expected GuestIOError, got %v", err)
	}
	if gio.ExitCode != 1 || !strings.Contains(gio.Stderr, "nope") {
		t.Errorf("unexpected error details %+v", gio)
	}
}

func TestPushPullCopiesTrees(t *testing.T) {
	m := newManager(t, hardware.Profile{})
	g, _ := m.Provision(context.Background(), guest.Spec{Name: "g", Method: guest.MethodLocal})

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(t.TempDir(), "nested", "copy")
	if err := g.Push(context.Background(), src, dst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "a.txt")); err != nil {
		t.Errorf("expected pushed file: %v", err)
	}
	if err := g.Pull(context.Background(), src, src); err != nil {
		t.Errorf("expected copy onto itself to be a no-op, got %v", err)
	}
}

func TestRebootUnsupported(t *testing.T) {
	m := newManager(t, hardware.Profile{})
	g, _ := m.Provision(context.Background(), guest.Spec{Name: "g", Method: guest.MethodLocal})
	if err := g.Reboot(context.Background(), false); !stderrors.Is(err, ErrRebootUnsupported) {
		t.Errorf("expected ErrRebootUnsupported, got %v", err)
	}
	if g.RebootCount() != 0 {
		t.Error("failed reboot must not be counted")
	}
}
