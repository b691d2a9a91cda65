package connect

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
	"github.com/stevehiehn/tmtgo/internal/guest/sshguest"
	"github.com/stevehiehn/tmtgo/internal/guest/sshguest/sshtest"
	"github.com/stevehiehn/tmtgo/internal/hardware"
)

func setup(t *testing.T, catalog []Entry) *guest.Manager {
	pool := sshguest.NewPool(zaptest.NewLogger(t))
	pool.RetryInterval = 20 * time.Millisecond
	t.Cleanup(func() { pool.Close() })
	b := New(sshguest.NewTransport(pool, zaptest.NewLogger(t)), catalog, zaptest.NewLogger(t))
	reg := guest.NewRegistry()
	reg.Register(guest.MethodConnect, b)
	return guest.NewManager(reg, zaptest.NewLogger(t))
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machines.yaml")
	content := `
- name: beefy
  address: 10.0.0.5
  user: root
  profile:
    arch: x86_64
    memory: 64 GiB
    cpu:
      cores: 32
- address: 10.0.0.6
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	entries, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].Name != "10.0.0.6" {
		t.Errorf("expected address as default name, got %q", entries[1].Name)
	}
	if *entries[0].Profile.Memory != 64<<30 || *entries[0].Profile.CPU.Cores != 32 {
		t.Errorf("unexpected profile %+v", entries[0].Profile)
	}
}

func TestProvisionSelectsCatalogMachineByHardware(t *testing.T) {
	srv := sshtest.Start(t)
	catalog := []Entry{
		{Name: "small", Address: "192.0.2.1", Profile: hardware.Profile{Memory: hardware.SizeOf(2 << 30)}},
		{Name: "big", Address: srv.Address, Port: srv.Port, Profile: hardware.Profile{Memory: hardware.SizeOf(32 << 30)}},
	}
	m := setup(t, catalog)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, err := m.Provision(ctx, guest.Spec{
		Name:     "server",
		Method:   guest.MethodConnect,
		User:     "tester",
		Hardware: hardware.MustParse(map[string]any{"memory": ">= 16 GiB"}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Handle.ID != "big" || g.Handle.User != "tester" {
		t.Errorf("unexpected handle %+v", g.Handle)
	}
	out, err := g.Run(ctx, guest.Command{Script: "echo $TMT_GUEST_NAME", Env: map[string]string{"TMT_GUEST_NAME": "server"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "server" {
		t.Errorf("unexpected output %q", out.Stdout)
	}

	_, err = m.Provision(ctx, guest.Spec{
		Name:     "huge",
		Method:   guest.MethodConnect,
		Hardware: hardware.MustParse(map[string]any{"memory": ">= 1 TiB"}),
	})
	var mismatch *tmterrors.CapabilityMismatchError
	if !stderrors.As(err, &mismatch) || mismatch.Candidates != 2 {
		t.Errorf("expected capability mismatch over 2 candidates, got %v", err)
	}
}

func TestProvisionByAddressUnreachable(t *testing.T) {
	m := setup(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := m.Provision(ctx, guest.Spec{Name: "g", Method: guest.MethodConnect, Address: "127.0.0.1", Port: 1})
	if err == nil {
		t.Fatal("expected connection error")
	}
	var mismatch *tmterrors.CapabilityMismatchError
	if stderrors.As(err, &mismatch) {
		t.Error("unreachable machine must not be a capability mismatch")
	}
}

func TestProvisionWithoutAddressOrCatalog(t *testing.T) {
	m := setup(t, nil)
	if _, err := m.Provision(context.Background(), guest.Spec{Name: "g", Method: guest.MethodConnect}); err == nil {
		t.Fatal("expected error")
	}
}

func TestHardRebootRequiresCommand(t *testing.T) {
	b := New(nil, nil, zaptest.NewLogger(t))
	err := b.Reboot(context.Background(), guest.Handle{}, true)
	if !stderrors.Is(err, ErrHardRebootUnsupported) {
		t.Errorf("expected ErrHardRebootUnsupported, got %v", err)
	}
}
