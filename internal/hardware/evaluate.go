package hardware

// Evaluate reports whether profile satisfies c. A nil tree is no requirement
// and always holds.
func Evaluate(c Constraint, profile Profile) bool {
	switch n := c.(type) {
	case nil:
		return true
	case *And:
		for _, child := range n.Children {
			if !Evaluate(child, profile) {
				return false
			}
		}
		return true
	case *Or:
		for _, child := range n.Children {
			if Evaluate(child, profile) {
				return true
			}
		}
		return false
	case *Block:
		return n.matches(profile)
	}
	return false
}

// Matching returns the indexes of the profiles satisfying c, in order.
func Matching(c Constraint, profiles []Profile) []int {
	var out []int
	for i, p := range profiles {
		if Evaluate(c, p) {
			out = append(out, i)
		}
	}
	return out
}

func (b *Block) matches(p Profile) bool {
	if b.Arch != nil && !b.Arch.matchString(p.Arch) {
		return false
	}
	if b.Boot != nil && b.Boot.Method != nil && !b.Boot.Method.matchString(p.Boot.Method) {
		return false
	}
	if b.Compatible != nil {
		for _, distro := range b.Compatible.Distro {
			if !contains(p.Compatible.Distro, distro) {
				return false
			}
		}
	}
	if b.CPU != nil && !b.CPU.matches(p.CPU) {
		return false
	}
	for i, disk := range b.Disk {
		if i >= len(p.Disk) {
			return false
		}
		if disk.Size != nil && !disk.Size.matchSize(p.Disk[i].Size) {
			return false
		}
	}
	if b.Hostname != nil && !b.Hostname.matchString(p.Hostname) {
		return false
	}
	if b.Memory != nil && !b.Memory.matchSize(p.Memory) {
		return false
	}
	for i, nic := range b.Network {
		if i >= len(p.Network) {
			return false
		}
		actual := p.Network[i]
		if nic.DeviceName != nil && !nic.DeviceName.matchString(actual.DeviceName) {
			return false
		}
		if nic.Type != nil && !nic.Type.matchString(actual.Type) {
			return false
		}
		if nic.VendorName != nil && !nic.VendorName.matchString(actual.VendorName) {
			return false
		}
	}
	if b.System != nil {
		s := b.System
		if s.Vendor != nil && !s.Vendor.matchString(p.System.Vendor) {
			return false
		}
		if s.Model != nil && !s.Model.matchString(p.System.Model) {
			return false
		}
		if s.NUMANodes != nil && !s.NUMANodes.matchNumber(p.System.NUMANodes) {
			return false
		}
	}
	if b.TPM != nil && b.TPM.Version != nil && !b.TPM.Version.matchString(p.TPM.Version) {
		return false
	}
	if b.Virtualization != nil {
		v := b.Virtualization
		if !matchBool(v.IsVirtualized, p.Virtualization.IsVirtualized) {
			return false
		}
		if !matchBool(v.IsSupported, p.Virtualization.IsSupported) {
			return false
		}
		if v.Hypervisor != nil && !v.Hypervisor.matchString(p.Virtualization.Hypervisor) {
			return false
		}
	}
	return true
}

func (c *CPU) matches(p CPUProfile) bool {
	numbers := []struct {
		want   *Value
		actual *int
	}{
		{c.Sockets, p.Sockets},
		{c.Cores, p.Cores},
		{c.Threads, p.Threads},
		{c.CoresPerSocket, p.CoresPerSocket},
		{c.ThreadsPerCore, p.ThreadsPerCore},
		{c.Processors, p.Processors},
		{c.Family, p.Family},
		{c.Model, p.Model},
	}
	for _, n := range numbers {
		if n.want != nil && !n.want.matchNumber(n.actual) {
			return false
		}
	}
	if c.FamilyName != nil && !c.FamilyName.matchString(p.FamilyName) {
		return false
	}
	if c.ModelName != nil && !c.ModelName.matchString(p.ModelName) {
		return false
	}
	return true
}

func matchBool(want, actual *bool) bool {
	if want == nil {
		return true
	}
	return actual != nil && *want == *actual
}
