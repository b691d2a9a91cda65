package container

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/stevehiehn/tmtgo/internal/guest"
	"github.com/stevehiehn/tmtgo/internal/hardware"
)

// fakeEngine mimics the engine CLI: exec runs on the host and cp copies
// between host paths.
const fakeEngine = `#!/bin/sh
echo "$*" >> "$(dirname "$0")/calls.log"
case "$*" in
*broken*) echo "image not known" >&2; exit 125 ;;
esac
case "$1" in
run) echo 0123456789abcdef ;;
exec)
	shift
	[ "$1" = "-i" ] && shift
	shift
	exec "$@"
	;;
cp) cp -R "${2#*:}" "${3#*:}" ;;
esac
`

func newBackend(t *testing.T) (*Backend, string) {
	dir := t.TempDir()
	script := filepath.Join(dir, "engine")
	if err := os.WriteFile(script, []byte(fakeEngine), 0o755); err != nil {
		t.Fatal(err)
	}
	b, err := New(script, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.Profile = func(context.Context) (hardware.Profile, error) {
		return hardware.Profile{Arch: "x86_64", Memory: hardware.SizeOf(8 << 30)}, nil
	}
	return b, filepath.Join(dir, "calls.log")
}

func calls(t *testing.T, log string) []string {
	data, err := os.ReadFile(log)
	if err != nil {
		t.Fatalf("reading calls: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestNewSplitsEngineCommand(t *testing.T) {
	b, err := New(`sudo -n "/usr/bin/docker"`, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"sudo", "-n", "/usr/bin/docker"}, b.engine); diff != "" {
		t.Errorf("engine mismatch (-want +got):\n%s", diff)
	}
	if b, _ := New("", nil); b.engine[0] != DefaultEngine {
		t.Errorf("expected default engine, got %v", b.engine)
	}
	if _, err := New(`docker "unterminated`, nil); err == nil {
		t.Error("expected error for unterminated quote")
	}
}

func TestLifecycle(t *testing.T) {
	b, log := newBackend(t)
	reg := guest.NewRegistry()
	reg.Register(guest.MethodContainer, b)
	m := guest.NewManager(reg, zaptest.NewLogger(t))
	ctx := context.Background()

	g, err := m.Provision(ctx, guest.Spec{
		Name:     "client",
		Method:   guest.MethodContainer,
		Image:    "quay.io/fedora/fedora:40",
		Options:  map[string]string{"name": "box"},
		Hardware: hardware.MustParse(map[string]any{"arch": "x86_64"}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Handle.ID != "box" || g.Handle.Data["container-id"] != "0123456789abcdef" {
		t.Errorf("unexpected handle %+v", g.Handle)
	}

	workdir := t.TempDir()
	out, err := g.Run(ctx, guest.Command{
		Script: `echo "$WHO in $(basename "$PWD")"`,
		Env:    map[string]string{"WHO": "tester"},
		Dir:    workdir,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "tester in "+filepath.Base(workdir) {
		t.Errorf("unexpected output %q", out.Stdout)
	}

	if err := g.Reboot(ctx, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := calls(t, log)
	if !strings.HasPrefix(got[0], "run -d --name box --network host quay.io/fedora/fedora:40 sleep infinity") {
		t.Errorf("unexpected run call %q", got[0])
	}
	if !strings.HasPrefix(got[1], "exec -i box bash -c") {
		t.Errorf("unexpected exec call %q", got[1])
	}
	if diff := cmp.Diff([]string{"restart -t 0 box", "rm -f box"}, got[len(got)-2:]); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestGuestNetworkIsolated(t *testing.T) {
	b, log := newBackend(t)
	if _, err := b.Start(context.Background(), guest.Spec{Name: "g", Connection: guest.ConnectionGuest}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := calls(t, log)
	if strings.Contains(got[0], "--network") || !strings.Contains(got[0], DefaultImage) {
		t.Errorf("unexpected run call %q", got[0])
	}
}

func TestStartFailure(t *testing.T) {
	b, _ := newBackend(t)
	_, err := b.Start(context.Background(), guest.Spec{Name: "g", Image: "broken"})
	if err == nil || !strings.Contains(err.Error(), "image not known") {
		t.Errorf("expected engine error, got %v", err)
	}
}

func TestPushPull(t *testing.T) {
	b, _ := newBackend(t)
	h := guest.Handle{ID: "box"}
	ctx := context.Background()

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	inside := filepath.Join(t.TempDir(), "tree")
	if err := b.Push(ctx, h, src, inside); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := os.Stat(filepath.Join(inside, "a.txt")); err != nil {
		t.Fatalf("expected pushed contents: %v", err)
	}

	back := filepath.Join(t.TempDir(), "back")
	if err := b.Pull(ctx, h, inside, back); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(back, "a.txt")); err != nil || string(data) != "a" {
		t.Errorf("expected pulled file, got %q (%v)", data, err)
	}
}
