package plan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/stevehiehn/tmtgo/internal/hardware"
	"github.com/stevehiehn/tmtgo/internal/prepare"
)

func TestLoadMinimalPlan(t *testing.T) {
	yaml := []byte(`
name: /plans/minimal
discover:
  tests:
    - name: /smoke
      test: "true"
`)
	p, err := Load(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "/plans/minimal" {
		t.Errorf("expected name '/plans/minimal', got %q", p.Name)
	}
	if len(p.Provision) != 1 || p.Provision[0].Name != "default-0" || p.Provision[0].How != "local" {
		t.Errorf("expected a default local guest, got %+v", p.Provision)
	}
	if len(p.Discover.Tests) != 1 || p.Discover.Tests[0].ResultMode() != ResultRespect {
		t.Fatalf("unexpected tests %+v", p.Discover.Tests)
	}
	if p.Discover.Tests[0].Timeout() != 5*time.Minute {
		t.Errorf("expected default timeout of 5m, got %v", p.Discover.Tests[0].Timeout())
	}
	if !p.Report.MetricsEnabled() {
		t.Error("expected metrics enabled by default")
	}
}

func TestLoadFullFeaturedPlan(t *testing.T) {
	yaml := []byte(`
name: /plans/multihost
summary: client and server
environment:
  MODE: full
hardware:
  arch: x86_64
discover:
  directory: tests
  filter: /tests/**
provision:
  - name: server
    how: container
    role: server
    image: fedora:40
    hardware:
      memory: ">= 2 GiB"
  - name: client
    how: container
    role: client
    wait-for: server
    options:
      network: bridge
prepare:
  - how: install
    package: [httpd, curl]
    where: server
  - how: shell
    script: echo {{roles.server.address}} > /etc/server
    order: 60
execute:
  exit-first: true
report:
  metrics: false
finish:
  - how: shell
    script: journalctl -b > /tmp/journal
`)
	p, err := Load(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Environment["MODE"] != "full" || p.Summary != "client and server" {
		t.Errorf("unexpected plan header %+v", p)
	}
	if p.Hardware.Constraint() == nil {
		t.Error("expected plan hardware")
	}
	if !hardware.Evaluate(p.Provision[0].Hardware.Constraint(), hardware.Profile{Memory: hardware.SizeOf(4 << 30)}) {
		t.Error("expected server hardware to accept 4 GiB")
	}
	if diff := cmp.Diff(prepare.Strings{"server"}, p.Provision[1].WaitFor); diff != "" {
		t.Errorf("wait-for mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(prepare.Strings{"/tests/**"}, p.Discover.Filter); diff != "" {
		t.Errorf("filter mismatch (-want +got):\n%s", diff)
	}
	if !p.Execute.ExitFirst || p.Report.MetricsEnabled() {
		t.Errorf("unexpected step options %+v %+v", p.Execute, p.Report)
	}
	if len(p.Prepare) != 2 || len(p.Finish) != 1 {
		t.Fatalf("unexpected phases %d/%d", len(p.Prepare), len(p.Finish))
	}
	if err := Validate(p); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestLoadRejectsInvalidHardware(t *testing.T) {
	_, err := Load([]byte(`
name: /plans/bad
hardware:
  cpu:
    speed: 3
`))
	if err == nil {
		t.Fatal("expected error for unknown hardware property")
	}
}

func TestLoadRejectsMissingName(t *testing.T) {
	if _, err := Load([]byte("summary: nothing\n")); err == nil {
		t.Fatal("expected error for plan without name")
	}
}

func TestLoadFileSetsDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	os.WriteFile(path, []byte("name: /plans/p\ndiscover:\n  source: src.tar.gz\n"), 0o644)
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.TreeDir() != dir {
		t.Errorf("expected tree %q, got %q", dir, p.TreeDir())
	}
	if p.SourcePath() != filepath.Join(dir, "src.tar.gz") {
		t.Errorf("unexpected source path %q", p.SourcePath())
	}
}

func TestLoadTestsFromDirectory(t *testing.T) {
	tree := t.TempDir()
	os.MkdirAll(filepath.Join(tree, "tests", "network"), 0o755)
	os.WriteFile(filepath.Join(tree, "tests", "smoke.yaml"), []byte("test: ./smoke.sh\nduration: 1m\n"), 0o644)
	os.WriteFile(filepath.Join(tree, "tests", "network", "ping.yaml"), []byte("name: /custom/ping\ntest: ping -c1 localhost\n"), 0o644)
	os.WriteFile(filepath.Join(tree, "tests", "README.md"), []byte("ignored"), 0o644)

	tests, err := LoadTests(tree, "tests")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tests) != 2 {
		t.Fatalf("expected 2 tests, got %d", len(tests))
	}
	if tests[0].Name != "/custom/ping" || tests[0].Path != "/tests/network" {
		t.Errorf("unexpected test %+v", tests[0])
	}
	if tests[1].Name != "/tests/smoke" || tests[1].Path != "/tests" || tests[1].Timeout() != time.Minute {
		t.Errorf("unexpected test %+v", tests[1])
	}
}

func TestFilter(t *testing.T) {
	tests := []Test{{Name: "/tests/a"}, {Name: "/tests/deep/b"}, {Name: "/other/c"}}
	tests2, err := Filter(tests, []string{"/tests/*"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tests2) != 1 || tests2[0].Name != "/tests/a" {
		t.Errorf("unexpected filter result %+v", tests2)
	}
	tests2, _ = Filter(tests, []string{"/tests/**", "/other/c"})
	if len(tests2) != 3 {
		t.Errorf("expected all tests, got %+v", tests2)
	}
	tests2, _ = Filter(tests, nil)
	if len(tests2) != 3 {
		t.Errorf("expected no filtering, got %+v", tests2)
	}
}

func TestTestsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discover", "tests.yaml")
	tests := []Test{
		{Name: "/a", Test: "true", Serial: 1, Hardware: hardware.NewRequirement(hardware.MustParse(map[string]any{"memory": ">= 1 GiB"}))},
		{Name: "/b", Test: "false", Serial: 2, Where: prepare.Strings{"client"}},
	}
	if err := SaveTestsFile(path, tests); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := LoadTestsFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Serial != 1 || got[1].Where[0] != "client" {
		t.Fatalf("unexpected tests %+v", got)
	}
	if hardware.String(got[0].Hardware.Constraint()) != hardware.String(tests[0].Hardware.Constraint()) {
		t.Errorf("hardware changed across save: %s", hardware.String(got[0].Hardware.Constraint()))
	}
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"30":  30 * time.Second,
		"30s": 30 * time.Second,
		"5m":  5 * time.Minute,
		"2h":  2 * time.Hour,
		"1d":  24 * time.Hour,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		if err != nil {
			t.Errorf("ParseDuration(%q): unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseDuration(%q) = %v, want %v", in, got, want)
		}
	}
	for _, bad := range []string{"", "5 m", "1w", "-1s", "1h30m"} {
		if _, err := ParseDuration(bad); err == nil {
			t.Errorf("ParseDuration(%q): expected error", bad)
		}
	}
}
