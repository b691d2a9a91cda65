// Package hardware implements the recursive hardware requirement language:
// parsing and validation of requirement trees, evaluation against a guest
// capability profile, and conjunction of trees.
package hardware

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Constraint is one node of a requirement tree: *Block, *And or *Or.
type Constraint interface {
	isConstraint()
}

// And holds when every child holds. An empty And always holds.
type And struct {
	Children []Constraint
}

// Or holds when at least one child holds. An empty Or never holds.
type Or struct {
	Children []Constraint
}

// Block is a leaf node. Every non-nil field must match the profile.
type Block struct {
	Arch           *Value
	Boot           *Boot
	Compatible     *Compatible
	CPU            *CPU
	Disk           []Disk
	Hostname       *Value
	Memory         *Value
	Network        []Network
	System         *System
	TPM            *TPM
	Virtualization *Virtualization
}

type Boot struct {
	Method *Value
}

type Compatible struct {
	Distro []string
}

type CPU struct {
	Sockets        *Value
	Cores          *Value
	Threads        *Value
	CoresPerSocket *Value
	ThreadsPerCore *Value
	Processors     *Value
	Family         *Value
	FamilyName     *Value
	Model          *Value
	ModelName      *Value
}

type Disk struct {
	Size *Value
}

type Network struct {
	DeviceName *Value
	Type       *Value
	VendorName *Value
}

type System struct {
	Vendor    *Value
	Model     *Value
	NUMANodes *Value
}

type TPM struct {
	Version *Value
}

type Virtualization struct {
	IsVirtualized *bool
	IsSupported   *bool
	Hypervisor    *Value
}

func (*And) isConstraint()   {}
func (*Or) isConstraint()    {}
func (*Block) isConstraint() {}

// Merge returns the conjunction of a and b as {"and": [a, b]}. A nil operand
// is no requirement at all and is dropped.
func Merge(a, b Constraint) Constraint {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return &And{Children: []Constraint{a, b}}
}

// MergeAll folds Merge over cs from left to right.
func MergeAll(cs ...Constraint) Constraint {
	var out Constraint
	for _, c := range cs {
		out = Merge(out, c)
	}
	return out
}

// Raw renders c back into its generic mapping form, suitable for YAML or
// JSON encoding.
func Raw(c Constraint) any {
	switch n := c.(type) {
	case nil:
		return nil
	case *And:
		return map[string]any{"and": rawList(n.Children)}
	case *Or:
		return map[string]any{"or": rawList(n.Children)}
	case *Block:
		return n.raw()
	}
	return nil
}

// String renders c as compact JSON.
func String(c Constraint) string {
	data, err := json.Marshal(Raw(c))
	if err != nil {
		return "<invalid>"
	}
	return string(data)
}

func rawList(cs []Constraint) []any {
	out := make([]any, 0, len(cs))
	for _, c := range cs {
		out = append(out, Raw(c))
	}
	return out
}

func (b *Block) raw() map[string]any {
	m := map[string]any{}
	put(m, "arch", b.Arch)
	if b.Boot != nil {
		m["boot"] = sub(map[string]*Value{"method": b.Boot.Method})
	}
	if b.Compatible != nil {
		distros := make([]any, 0, len(b.Compatible.Distro))
		for _, d := range b.Compatible.Distro {
			distros = append(distros, d)
		}
		m["compatible"] = map[string]any{"distro": distros}
	}
	if b.CPU != nil {
		m["cpu"] = sub(map[string]*Value{
			"sockets":          b.CPU.Sockets,
			"cores":            b.CPU.Cores,
			"threads":          b.CPU.Threads,
			"cores-per-socket": b.CPU.CoresPerSocket,
			"threads-per-core": b.CPU.ThreadsPerCore,
			"processors":       b.CPU.Processors,
			"family":           b.CPU.Family,
			"family-name":      b.CPU.FamilyName,
			"model":            b.CPU.Model,
			"model-name":       b.CPU.ModelName,
		})
	}
	if b.Disk != nil {
		disks := make([]any, 0, len(b.Disk))
		for _, d := range b.Disk {
			disks = append(disks, sub(map[string]*Value{"size": d.Size}))
		}
		m["disk"] = disks
	}
	put(m, "hostname", b.Hostname)
	put(m, "memory", b.Memory)
	if b.Network != nil {
		nets := make([]any, 0, len(b.Network))
		for _, n := range b.Network {
			nets = append(nets, sub(map[string]*Value{
				"device-name": n.DeviceName,
				"type":        n.Type,
				"vendor-name": n.VendorName,
			}))
		}
		m["network"] = nets
	}
	if b.System != nil {
		m["system"] = sub(map[string]*Value{
			"vendor":     b.System.Vendor,
			"model":      b.System.Model,
			"numa-nodes": b.System.NUMANodes,
		})
	}
	if b.TPM != nil {
		m["tpm"] = sub(map[string]*Value{"version": b.TPM.Version})
	}
	if b.Virtualization != nil {
		v := sub(map[string]*Value{"hypervisor": b.Virtualization.Hypervisor})
		if b.Virtualization.IsVirtualized != nil {
			v["is-virtualized"] = *b.Virtualization.IsVirtualized
		}
		if b.Virtualization.IsSupported != nil {
			v["is-supported"] = *b.Virtualization.IsSupported
		}
		m["virtualization"] = v
	}
	return m
}

func put(m map[string]any, key string, v *Value) {
	if v != nil {
		m[key] = v.Source()
	}
}

func sub(values map[string]*Value) map[string]any {
	m := map[string]any{}
	for k, v := range values {
		put(m, k, v)
	}
	return m
}

// Requirement wraps a tree for use as a YAML field. Decoding validates the
// tree and reports a *errors.SchemaError on malformed input.
type Requirement struct {
	Tree Constraint
}

// NewRequirement wraps an already parsed tree.
func NewRequirement(c Constraint) *Requirement {
	return &Requirement{Tree: c}
}

func (r *Requirement) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if err := Validate(raw); err != nil {
		return err
	}
	c, err := Parse(raw)
	if err != nil {
		return err
	}
	r.Tree = c
	return nil
}

func (r Requirement) MarshalYAML() (any, error) {
	return Raw(r.Tree), nil
}

// Constraint returns the wrapped tree; a nil requirement has none.
func (r *Requirement) Constraint() Constraint {
	if r == nil {
		return nil
	}
	return r.Tree
}
