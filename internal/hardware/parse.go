package hardware

import (
	"fmt"
	"sort"

	tmterrors "github.com/stevehiehn/tmtgo/internal/errors"
)

var (
	bootMethods = []string{"bios", "uefi"}
	hypervisors = []string{"nitro", "kvm", "xen"}
)

// Parse builds a typed tree from its generic form (as decoded from YAML or
// JSON). Malformed input yields a *errors.SchemaError listing every issue.
func Parse(raw any) (Constraint, error) {
	p := &parser{errs: &tmterrors.SchemaError{Subject: "hardware"}}
	c := p.node(raw, "hardware")
	if err := p.errs.OrNil(); err != nil {
		return nil, err
	}
	return c, nil
}

// MustParse is like Parse but panics on error. For tests and literals.
func MustParse(raw any) Constraint {
	c, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return c
}

type parser struct {
	errs *tmterrors.SchemaError
}

func (p *parser) node(raw any, at string) Constraint {
	m, ok := asMap(raw)
	if !ok {
		p.errs.Add("%s: expected a mapping, got %T", at, raw)
		return nil
	}
	if len(m) == 0 {
		p.errs.Add("%s: at least one property is required", at)
		return nil
	}
	for _, op := range []string{"and", "or"} {
		children, ok := m[op]
		if !ok {
			continue
		}
		if len(m) != 1 {
			p.errs.Add("%s: %q cannot be combined with other properties", at, op)
			return nil
		}
		list := p.children(children, at+"."+op)
		if op == "and" {
			return &And{Children: list}
		}
		return &Or{Children: list}
	}
	return p.block(m, at)
}

func (p *parser) children(raw any, at string) []Constraint {
	items, ok := raw.([]any)
	if !ok {
		p.errs.Add("%s: expected a list, got %T", at, raw)
		return nil
	}
	out := make([]Constraint, 0, len(items))
	for i, item := range items {
		if c := p.node(item, fmt.Sprintf("%s[%d]", at, i)); c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (p *parser) block(m map[string]any, at string) *Block {
	b := &Block{}
	for _, key := range sortedKeys(m) {
		raw := m[key]
		here := at + "." + key
		switch key {
		case "arch":
			b.Arch = p.value(raw, here, kindString)
		case "hostname":
			b.Hostname = p.value(raw, here, kindString)
		case "memory":
			b.Memory = p.value(raw, here, kindSize)
		case "boot":
			if s := p.sub(raw, here, "method"); s != nil {
				b.Boot = &Boot{Method: p.opt(s, "method", here, kindString, bootMethods...)}
			}
		case "compatible":
			if s := p.sub(raw, here, "distro"); s != nil {
				b.Compatible = &Compatible{Distro: p.strings(s["distro"], here+".distro")}
			}
		case "cpu":
			b.CPU = p.cpu(raw, here)
		case "disk":
			for i, item := range p.list(raw, here) {
				if s := p.sub(item, fmt.Sprintf("%s[%d]", here, i), "size"); s != nil {
					b.Disk = append(b.Disk, Disk{Size: p.opt(s, "size", fmt.Sprintf("%s[%d]", here, i), kindSize)})
				}
			}
		case "network":
			for i, item := range p.list(raw, here) {
				itemAt := fmt.Sprintf("%s[%d]", here, i)
				if s := p.sub(item, itemAt, "device-name", "type", "vendor-name"); s != nil {
					b.Network = append(b.Network, Network{
						DeviceName: p.opt(s, "device-name", itemAt, kindString),
						Type:       p.opt(s, "type", itemAt, kindString),
						VendorName: p.opt(s, "vendor-name", itemAt, kindString),
					})
				}
			}
		case "system":
			if s := p.sub(raw, here, "vendor", "model", "numa-nodes"); s != nil {
				b.System = &System{
					Vendor:    p.opt(s, "vendor", here, kindString),
					Model:     p.opt(s, "model", here, kindString),
					NUMANodes: p.opt(s, "numa-nodes", here, kindNumber),
				}
			}
		case "tpm":
			if s := p.sub(raw, here, "version"); s != nil {
				b.TPM = &TPM{Version: p.opt(s, "version", here, kindString)}
			}
		case "virtualization":
			if s := p.sub(raw, here, "is-virtualized", "is-supported", "hypervisor"); s != nil {
				b.Virtualization = &Virtualization{
					IsVirtualized: p.boolean(s, "is-virtualized", here),
					IsSupported:   p.boolean(s, "is-supported", here),
					Hypervisor:    p.opt(s, "hypervisor", here, kindString, hypervisors...),
				}
			}
		default:
			p.errs.Add("%s: unknown property", here)
		}
	}
	return b
}

func (p *parser) cpu(raw any, at string) *CPU {
	s := p.sub(raw, at, "sockets", "cores", "threads", "cores-per-socket", "threads-per-core",
		"processors", "family", "family-name", "model", "model-name")
	if s == nil {
		return nil
	}
	return &CPU{
		Sockets:        p.opt(s, "sockets", at, kindNumber),
		Cores:          p.opt(s, "cores", at, kindNumber),
		Threads:        p.opt(s, "threads", at, kindNumber),
		CoresPerSocket: p.opt(s, "cores-per-socket", at, kindNumber),
		ThreadsPerCore: p.opt(s, "threads-per-core", at, kindNumber),
		Processors:     p.opt(s, "processors", at, kindNumber),
		Family:         p.opt(s, "family", at, kindNumber),
		FamilyName:     p.opt(s, "family-name", at, kindString),
		Model:          p.opt(s, "model", at, kindNumber),
		ModelName:      p.opt(s, "model-name", at, kindString),
	}
}

// sub checks that raw is a non-empty mapping holding only allowed keys.
func (p *parser) sub(raw any, at string, allowed ...string) map[string]any {
	m, ok := asMap(raw)
	if !ok {
		p.errs.Add("%s: expected a mapping, got %T", at, raw)
		return nil
	}
	if len(m) == 0 {
		p.errs.Add("%s: at least one property is required", at)
		return nil
	}
	valid := true
	for _, key := range sortedKeys(m) {
		if !contains(allowed, key) {
			p.errs.Add("%s.%s: unknown property", at, key)
			valid = false
		}
	}
	if !valid {
		return nil
	}
	return m
}

func (p *parser) opt(m map[string]any, key, at string, k kind, enum ...string) *Value {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	return p.value(raw, at+"."+key, k, enum...)
}

func (p *parser) value(raw any, at string, k kind, enum ...string) *Value {
	v, err := parseValue(raw, k, enum)
	if err != nil {
		p.errs.Add("%s: %v", at, err)
		return nil
	}
	return v
}

func (p *parser) boolean(m map[string]any, key, at string) *bool {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	b, ok := raw.(bool)
	if !ok {
		p.errs.Add("%s.%s: expected a boolean, got %T", at, key, raw)
		return nil
	}
	return &b
}

func (p *parser) list(raw any, at string) []any {
	items, ok := raw.([]any)
	if !ok {
		p.errs.Add("%s: expected a list, got %T", at, raw)
		return nil
	}
	if len(items) == 0 {
		p.errs.Add("%s: at least one item is required", at)
	}
	return items
}

func (p *parser) strings(raw any, at string) []string {
	var out []string
	for i, item := range p.list(raw, at) {
		s, ok := item.(string)
		if !ok || s == "" {
			p.errs.Add("%s[%d]: expected a non-empty string", at, i)
			continue
		}
		out = append(out, s)
	}
	return out
}

// asMap accepts both decoder map flavours.
func asMap(raw any) (map[string]any, bool) {
	switch m := raw.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			key, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[key] = v
		}
		return out, true
	}
	return nil, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
