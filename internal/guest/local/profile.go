package local

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/stevehiehn/tmtgo/internal/hardware"
)

// HostProfile introspects the machine the process runs on. Attributes that
// cannot be read are left unknown.
func HostProfile(ctx context.Context) (hardware.Profile, error) {
	var p hardware.Profile

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return p, err
	}
	p.Hostname = info.Hostname
	p.Arch = info.KernelArch
	if p.Arch == "" {
		p.Arch = goArch()
	}
	if info.Platform != "" && info.PlatformVersion != "" {
		major, _, _ := strings.Cut(info.PlatformVersion, ".")
		p.Compatible.Distro = []string{info.Platform + "-" + major}
	}
	if info.VirtualizationSystem != "" {
		p.Virtualization.IsVirtualized = hardware.Bool(info.VirtualizationRole == "guest")
		p.Virtualization.Hypervisor = info.VirtualizationSystem
	}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		p.CPU.ModelName = strings.TrimSpace(cpus[0].ModelName)
		if n, err := strconv.Atoi(cpus[0].Family); err == nil {
			p.CPU.Family = hardware.Int(n)
		}
		if n, err := strconv.Atoi(cpus[0].Model); err == nil {
			p.CPU.Model = hardware.Int(n)
		}
		sockets := map[string]bool{}
		for _, c := range cpus {
			sockets[c.PhysicalID] = true
		}
		p.CPU.Sockets = hardware.Int(len(sockets))
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil && n > 0 {
		p.CPU.Cores = hardware.Int(n)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		p.CPU.Processors = hardware.Int(n)
		p.CPU.Threads = hardware.Int(n)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		p.Memory = hardware.SizeOf(vm.Total)
	}
	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		p.Disk = []hardware.DiskProfile{{Size: hardware.SizeOf(usage.Total)}}
	}
	if ifaces, err := net.InterfacesWithContext(ctx); err == nil {
		for _, iface := range ifaces {
			if iface.HardwareAddr == "" {
				continue
			}
			p.Network = append(p.Network, hardware.NetworkProfile{DeviceName: iface.Name, Type: "eth"})
		}
	}

	if out, err := os.ReadFile("/sys/devices/virtual/dmi/id/sys_vendor"); err == nil {
		p.System.Vendor = strings.TrimSpace(string(out))
	}
	if out, err := os.ReadFile("/sys/devices/virtual/dmi/id/product_name"); err == nil {
		p.System.Model = strings.TrimSpace(string(out))
	}
	if _, err := os.Stat("/sys/firmware/efi"); err == nil {
		p.Boot.Method = "uefi"
	} else if runtime.GOOS == "linux" {
		p.Boot.Method = "bios"
	}
	return p, nil
}

func goArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	}
	return runtime.GOARCH
}
