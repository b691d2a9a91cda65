package hardware

import (
	stderrors "errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	tmterrors "github.com/stevehiehn/tmtgo/internal/errors"
)

func decode(t *testing.T, text string) any {
	t.Helper()
	var raw any
	if err := yaml.Unmarshal([]byte(text), &raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return raw
}

func testProfile() Profile {
	return Profile{
		Arch:     "x86_64",
		Boot:     BootProfile{Method: "uefi"},
		CPU:      CPUProfile{Cores: Int(8), Processors: Int(16), ModelName: "AMD EPYC 7763"},
		Disk:     []DiskProfile{{Size: SizeOf(100 << 30)}, {Size: SizeOf(500 << 30)}},
		Hostname: "worker-1.example.com",
		Memory:   SizeOf(16 << 30),
		Network:  []NetworkProfile{{Type: "eth", DeviceName: "eno1"}},
		Compatible: CompatibleProfile{
			Distro: []string{"fedora-39", "centos-stream-9"},
		},
		Virtualization: VirtualizationProfile{IsVirtualized: Bool(true), Hypervisor: "kvm"},
	}
}

func TestValidateAcceptsNestedTree(t *testing.T) {
	raw := decode(t, `
and:
  - arch: x86_64
  - or:
      - memory: ">= 8 GiB"
      - cpu:
          cores: ">= 16"
  - disk:
      - size: ">= 40 GB"
    virtualization:
      hypervisor: kvm
      is-virtualized: true
`)
	if err := Validate(raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsMalformedTrees(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown key", "cpu:\n  speed: 3", "hardware.cpu.speed: unknown property"},
		{"unknown top-level key", "gpu: nvidia", "hardware.gpu: unknown property"},
		{"empty block", "{}", "at least one property is required"},
		{"empty sub-block", "boot: {}", "hardware.boot: at least one property is required"},
		{"bad enum", "boot:\n  method: efi", `"efi" is not one of bios, uefi`},
		{"ordering on string", "arch: '> x86_64'", `operator ">" is not allowed on a string`},
		{"bad size", "memory: lots", `invalid size "lots"`},
		{"and mixed with block", "and: []\narch: x86_64", `"and" cannot be combined`},
		{"and not a list", "and: {arch: x86_64}", "hardware.and: expected a list"},
		{"bad regex", "hostname: '~ ('", "invalid pattern"},
		{"bool expected", "virtualization:\n  is-virtualized: yes-please", "expected a boolean"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(decode(t, tc.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			var serr *tmterrors.SchemaError
			if !stderrors.As(err, &serr) {
				t.Fatalf("expected SchemaError, got %T", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected %q in %q", tc.want, err.Error())
			}
		})
	}
}

func TestValidateAcceptsJSONNumbers(t *testing.T) {
	raw := map[string]any{"cpu": map[string]any{"processors": float64(4)}}
	if err := Validate(raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw = map[string]any{"cpu": map[string]any{"processors": 4.5}}
	if err := Validate(raw); err == nil {
		t.Fatal("expected error for fractional count")
	}
}

func TestEvaluateBlockKeys(t *testing.T) {
	profile := testProfile()
	cases := []struct {
		doc  string
		want bool
	}{
		{"arch: x86_64", true},
		{"arch: aarch64", false},
		{"arch: '!= aarch64'", true},
		{"arch: '~ ^x86'", true},
		{"arch: '!~ ^x86'", false},
		{"boot:\n  method: uefi", true},
		{"memory: '>= 8 GiB'", true},
		{"memory: '> 16 GiB'", false},
		{"memory: 17179869184", true},
		{"cpu:\n  cores: '>= 8'\n  processors: 16", true},
		{"cpu:\n  cores: '< 8'", false},
		{"cpu:\n  model-name: '~ EPYC'", true},
		{"cpu:\n  sockets: 1", false},
		{"disk:\n  - size: '>= 50 GB'\n  - size: '>= 400 GiB'", true},
		{"disk:\n  - size: '>= 200 GiB'", false},
		{"disk:\n  - size: 1\n  - size: 1\n  - size: '>= 1'", false},
		{"network:\n  - type: eth", true},
		{"network:\n  - type: eth\n  - type: eth", false},
		{"compatible:\n  distro: [fedora-39]", true},
		{"compatible:\n  distro: [fedora-39, rhel-9]", false},
		{"virtualization:\n  is-virtualized: true\n  hypervisor: kvm", true},
		{"virtualization:\n  is-supported: true", false},
		{"tpm:\n  version: '2.0'", false},
		{"hostname: '~ \\.example\\.com$'", true},
		{"arch: x86_64\nmemory: '< 1 GiB'", false},
	}
	for _, tc := range cases {
		c, err := Parse(decode(t, tc.doc))
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.doc, err)
		}
		if got := Evaluate(c, profile); got != tc.want {
			t.Errorf("%q: expected %v, got %v", tc.doc, tc.want, got)
		}
	}
}

func TestEvaluateUnknownAttributeNeverMatches(t *testing.T) {
	c := MustParse(map[string]any{"system": map[string]any{"numa-nodes": "!= 2"}})
	if Evaluate(c, Profile{}) {
		t.Error("expected constraint on unknown attribute to fail")
	}
	c = MustParse(map[string]any{"arch": "!= s390x"})
	if Evaluate(c, Profile{}) {
		t.Error("expected inequality on unknown attribute to fail")
	}
}

func TestEvaluateEmptyCombinators(t *testing.T) {
	if !Evaluate(&And{}, Profile{}) {
		t.Error("expected empty and to hold")
	}
	if Evaluate(&Or{}, Profile{}) {
		t.Error("expected empty or not to hold")
	}
	if !Evaluate(nil, Profile{}) {
		t.Error("expected nil tree to hold")
	}
}

func TestMergeProducesConjunction(t *testing.T) {
	a := MustParse(map[string]any{"arch": "x86_64"})
	b := MustParse(map[string]any{"memory": ">= 4 GiB"})
	got := Raw(Merge(a, b))
	want := map[string]any{"and": []any{
		map[string]any{"arch": "x86_64"},
		map[string]any{"memory": ">= 4 GiB"},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merge mismatch (-want +got):\n%s", diff)
	}
	if Merge(nil, b) != b || Merge(a, nil) != a {
		t.Error("expected nil operands to be dropped")
	}
	if MergeAll() != nil {
		t.Error("expected no requirement from empty merge")
	}
}

func TestRawRoundTrips(t *testing.T) {
	raw := decode(t, `
or:
  - cpu:
      cores: ">= 2"
      model-name: "~ Xeon"
  - network:
      - type: eth
    virtualization:
      is-supported: false
`)
	c := MustParse(raw)
	if diff := cmp.Diff(raw, Raw(c)); diff != "" {
		t.Errorf("raw mismatch (-want +got):\n%s", diff)
	}
	if err := Validate(Raw(c)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRequirementYAML(t *testing.T) {
	var doc struct {
		Hardware *Requirement `yaml:"hardware"`
	}
	if err := yaml.Unmarshal([]byte("hardware:\n  arch: aarch64\n"), &doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !Evaluate(doc.Hardware.Constraint(), Profile{Arch: "aarch64"}) {
		t.Error("expected decoded requirement to match")
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out), "arch: aarch64") {
		t.Errorf("unexpected encoding %q", out)
	}

	err = yaml.Unmarshal([]byte("hardware:\n  bogus: 1\n"), &doc)
	var serr *tmterrors.SchemaError
	if !stderrors.As(err, &serr) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
}

func TestMatchingKeepsOrder(t *testing.T) {
	profiles := []Profile{{Arch: "aarch64"}, {Arch: "x86_64"}, {Arch: "x86_64", Hostname: "b"}}
	got := Matching(MustParse(map[string]any{"arch": "x86_64"}), profiles)
	if diff := cmp.Diff([]int{1, 2}, got); diff != "" {
		t.Errorf("unexpected matches (-want +got):\n%s", diff)
	}
}

func TestSizeYAML(t *testing.T) {
	var p Profile
	if err := yaml.Unmarshal([]byte("memory: 8 GiB\ndisk:\n  - size: 1024\n"), &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *p.Memory != 8<<30 {
		t.Errorf("expected 8 GiB, got %d", *p.Memory)
	}
	if *p.Disk[0].Size != 1024 {
		t.Errorf("expected 1024 bytes, got %d", *p.Disk[0].Size)
	}
}

var lawBlocks = []any{
	map[string]any{"arch": "x86_64"},
	map[string]any{"arch": "aarch64"},
	map[string]any{"memory": ">= 8 GiB"},
	map[string]any{"cpu": map[string]any{"cores": "> 4"}},
	map[string]any{"virtualization": map[string]any{"hypervisor": "kvm"}},
	map[string]any{"boot": map[string]any{"method": "bios"}},
}

var lawProfiles = []Profile{
	{},
	{Arch: "x86_64", Memory: SizeOf(4 << 30)},
	{Arch: "aarch64", Memory: SizeOf(32 << 30), CPU: CPUProfile{Cores: Int(8)}},
	testProfile(),
	{Arch: "x86_64", Boot: BootProfile{Method: "bios"}, Virtualization: VirtualizationProfile{Hypervisor: "xen"}},
}

func randomTree(r *rand.Rand, depth int) any {
	if depth == 0 || r.Intn(3) == 0 {
		return lawBlocks[r.Intn(len(lawBlocks))]
	}
	children := make([]any, r.Intn(4))
	for i := range children {
		children[i] = randomTree(r, depth-1)
	}
	if r.Intn(2) == 0 {
		return map[string]any{"and": children}
	}
	return map[string]any{"or": children}
}

func TestCombinatorLaws(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 300; i++ {
		rawA, rawB := randomTree(r, 3), randomTree(r, 3)
		a, b := MustParse(rawA), MustParse(rawB)
		for _, p := range lawProfiles {
			ea, eb := Evaluate(a, p), Evaluate(b, p)
			if got := Evaluate(&And{Children: []Constraint{a, b}}, p); got != (ea && eb) {
				t.Fatalf("and law broken for %s, %s", String(a), String(b))
			}
			if got := Evaluate(&Or{Children: []Constraint{a, b}}, p); got != (ea || eb) {
				t.Fatalf("or law broken for %s, %s", String(a), String(b))
			}
			if got := Evaluate(Merge(a, b), p); got != (ea && eb) {
				t.Fatalf("merge law broken for %s, %s", String(a), String(b))
			}
			if got := Evaluate(MustParse(Raw(a)), p); got != ea {
				t.Fatalf("reparse changed result of %s", String(a))
			}
		}
	}
}
