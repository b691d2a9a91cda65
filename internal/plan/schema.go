package plan

import (
	"github.com/stevehiehn/tmtgo/internal/guest"
	"github.com/stevehiehn/tmtgo/internal/hardware"
	"github.com/stevehiehn/tmtgo/internal/prepare"
)

// Step names in pipeline order.
const (
	StepDiscover  = "discover"
	StepProvision = "provision"
	StepPrepare   = "prepare"
	StepExecute   = "execute"
	StepReport    = "report"
	StepFinish    = "finish"
)

// Steps lists every step in the fixed pipeline order.
var Steps = []string{StepDiscover, StepProvision, StepPrepare, StepExecute, StepReport, StepFinish}

// Result interpretation of a test.
const (
	ResultRespect = "respect"
	ResultCustom  = "custom"
)

// Test frameworks.
const (
	FrameworkShell     = "shell"
	FrameworkBeakerlib = "beakerlib"
)

// DefaultDuration limits a test that declares no duration.
const DefaultDuration = "5m"

// Plan is the top-level test plan.
type Plan struct {
	Name        string                `yaml:"name"`
	Summary     string                `yaml:"summary,omitempty"`
	Environment map[string]string     `yaml:"environment,omitempty"`
	Hardware    *hardware.Requirement `yaml:"hardware,omitempty"`
	Discover    Discover              `yaml:"discover,omitempty"`
	Provision   []Guest               `yaml:"provision,omitempty"`
	Prepare     []prepare.Phase       `yaml:"prepare,omitempty"`
	Execute     Execute               `yaml:"execute,omitempty"`
	Report      Report                `yaml:"report,omitempty"`
	Finish      []prepare.Phase       `yaml:"finish,omitempty"`

	// Dir is the directory of the plan file; relative paths resolve
	// against it.
	Dir string `yaml:"-"`
}

// Discover configures where tests come from.
type Discover struct {
	// Tree is the directory copied into the run, the plan directory by
	// default.
	Tree string `yaml:"tree,omitempty"`
	// Directory holds test files (*.yaml), relative to the tree.
	Directory string `yaml:"directory,omitempty"`
	// Source is a .tar.gz archive extracted for the tests.
	Source string `yaml:"source,omitempty"`
	// Filter keeps tests whose name matches any glob.
	Filter prepare.Strings `yaml:"filter,omitempty"`
	Tests  []Test          `yaml:"tests,omitempty"`
}

// Test is one test case.
type Test struct {
	Name        string                `yaml:"name"`
	Summary     string                `yaml:"summary,omitempty"`
	Test        string                `yaml:"test"`
	Framework   string                `yaml:"framework,omitempty"`
	Path        string                `yaml:"path,omitempty"`
	Result      string                `yaml:"result,omitempty"`
	Duration    string                `yaml:"duration,omitempty"`
	Environment map[string]string     `yaml:"environment,omitempty"`
	Hardware    *hardware.Requirement `yaml:"hardware,omitempty"`
	Where       prepare.Strings       `yaml:"where,omitempty"`
	// Serial is assigned by discovery, starting at 1.
	Serial int `yaml:"serial-number,omitempty"`
}

// Guest declares one guest to provision.
type Guest struct {
	Name       string                `yaml:"name"`
	How        string                `yaml:"how"`
	Role       string                `yaml:"role,omitempty"`
	Connection string                `yaml:"connection,omitempty"`
	WaitFor    prepare.Strings       `yaml:"wait-for,omitempty"`
	Image      string                `yaml:"image,omitempty"`
	Hardware   *hardware.Requirement `yaml:"hardware,omitempty"`
	Address    string                `yaml:"address,omitempty"`
	User       string                `yaml:"user,omitempty"`
	Port       int                   `yaml:"port,omitempty"`
	Key        string                `yaml:"key,omitempty"`
	Options    map[string]string     `yaml:"options,omitempty"`
}

// Execute configures the execute step.
type Execute struct {
	ExitFirst bool `yaml:"exit-first,omitempty"`
}

// Report configures the report step.
type Report struct {
	// Metrics writes a Prometheus textfile, on by default.
	Metrics *bool `yaml:"metrics,omitempty"`
}

// MetricsEnabled reports whether the metrics textfile is written.
func (r Report) MetricsEnabled() bool {
	return r.Metrics == nil || *r.Metrics
}

// Node describes the guest for the topology.
func (g Guest) Node() guest.Node {
	return guest.Node{Name: g.Name, Role: g.Role, Connection: g.Connection, WaitFor: g.WaitFor}
}

// Topology of the plan's guests.
func (p *Plan) Topology() *guest.Topology {
	nodes := make([]guest.Node, len(p.Provision))
	for i, g := range p.Provision {
		nodes[i] = g.Node()
	}
	return guest.NewTopology(nodes...)
}

// TargetsGuest reports whether t runs on g.
func (t Test) TargetsGuest(g Guest) bool {
	if len(t.Where) == 0 {
		return true
	}
	for _, w := range t.Where {
		if w == g.Name || (g.Role != "" && w == g.Role) {
			return true
		}
	}
	return false
}

// ResultMode returns the result interpretation, respect by default.
// IsBeakerlib reports whether the test reports through beakerlib.
func (t Test) IsBeakerlib() bool {
	return t.Framework == FrameworkBeakerlib
}

func (t Test) ResultMode() string {
	if t.Result == "" {
		return ResultRespect
	}
	return t.Result
}
