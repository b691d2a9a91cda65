package hardware

import (
	"fmt"

	humanize "github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Profile describes what a guest actually offers. Unset attributes are
// unknown and never satisfy a requirement. The YAML layout mirrors the
// requirement keys.
type Profile struct {
	Arch           string                `yaml:"arch,omitempty" json:"arch,omitempty"`
	Boot           BootProfile           `yaml:"boot,omitempty" json:"boot,omitempty"`
	Compatible     CompatibleProfile     `yaml:"compatible,omitempty" json:"compatible,omitempty"`
	CPU            CPUProfile            `yaml:"cpu,omitempty" json:"cpu,omitempty"`
	Disk           []DiskProfile         `yaml:"disk,omitempty" json:"disk,omitempty"`
	Hostname       string                `yaml:"hostname,omitempty" json:"hostname,omitempty"`
	Memory         *Size                 `yaml:"memory,omitempty" json:"memory,omitempty"`
	Network        []NetworkProfile      `yaml:"network,omitempty" json:"network,omitempty"`
	System         SystemProfile         `yaml:"system,omitempty" json:"system,omitempty"`
	TPM            TPMProfile            `yaml:"tpm,omitempty" json:"tpm,omitempty"`
	Virtualization VirtualizationProfile `yaml:"virtualization,omitempty" json:"virtualization,omitempty"`
}

type BootProfile struct {
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
}

type CompatibleProfile struct {
	Distro []string `yaml:"distro,omitempty" json:"distro,omitempty"`
}

type CPUProfile struct {
	Sockets        *int   `yaml:"sockets,omitempty" json:"sockets,omitempty"`
	Cores          *int   `yaml:"cores,omitempty" json:"cores,omitempty"`
	Threads        *int   `yaml:"threads,omitempty" json:"threads,omitempty"`
	CoresPerSocket *int   `yaml:"cores-per-socket,omitempty" json:"cores-per-socket,omitempty"`
	ThreadsPerCore *int   `yaml:"threads-per-core,omitempty" json:"threads-per-core,omitempty"`
	Processors     *int   `yaml:"processors,omitempty" json:"processors,omitempty"`
	Family         *int   `yaml:"family,omitempty" json:"family,omitempty"`
	FamilyName     string `yaml:"family-name,omitempty" json:"family-name,omitempty"`
	Model          *int   `yaml:"model,omitempty" json:"model,omitempty"`
	ModelName      string `yaml:"model-name,omitempty" json:"model-name,omitempty"`
}

type DiskProfile struct {
	Size *Size `yaml:"size,omitempty" json:"size,omitempty"`
}

type NetworkProfile struct {
	DeviceName string `yaml:"device-name,omitempty" json:"device-name,omitempty"`
	Type       string `yaml:"type,omitempty" json:"type,omitempty"`
	VendorName string `yaml:"vendor-name,omitempty" json:"vendor-name,omitempty"`
}

type SystemProfile struct {
	Vendor    string `yaml:"vendor,omitempty" json:"vendor,omitempty"`
	Model     string `yaml:"model,omitempty" json:"model,omitempty"`
	NUMANodes *int   `yaml:"numa-nodes,omitempty" json:"numa-nodes,omitempty"`
}

type TPMProfile struct {
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
}

type VirtualizationProfile struct {
	IsVirtualized *bool  `yaml:"is-virtualized,omitempty" json:"is-virtualized,omitempty"`
	IsSupported   *bool  `yaml:"is-supported,omitempty" json:"is-supported,omitempty"`
	Hypervisor    string `yaml:"hypervisor,omitempty" json:"hypervisor,omitempty"`
}

// Size is a byte count. In YAML it is written either as a plain number of
// bytes or with a unit, e.g. "8 GiB".
type Size uint64

// ParseSize reads a byte count with an optional unit.
func ParseSize(s string) (Size, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return Size(n), nil
}

// SizeOf returns a pointer to n bytes, for building profiles in code.
func SizeOf(n uint64) *Size {
	s := Size(n)
	return &s
}

func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	n, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = n
	return nil
}

func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

// Int returns a pointer to n, for building profiles in code.
func Int(n int) *int {
	return &n
}

// Bool returns a pointer to b, for building profiles in code.
func Bool(b bool) *bool {
	return &b
}
