// Package ocispec implements the OCI Spec Builder (C5): producing a
// runtime spec from high-level inputs (args, env, namespaces, resources).
package ocispec

import (
	"math"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ResourceSpec is the §3 ResourceSpec, mapped to cgroup semantics per the
// formulas given there.
type ResourceSpec struct {
	CPUMillicores uint64
	MemoryBytes   uint64
	CPUSet        string // optional; empty means unset
}

// NamespaceSpec is one entry of the §4.5 namespaces list: absence of Path
// means a new namespace, presence means join an existing one.
type NamespaceSpec struct {
	Type specs.LinuxNamespaceType
	Path string // empty => new namespace
}

// Inputs bundles everything Build needs.
type Inputs struct {
	Args         []string
	Env          []string
	Namespaces   []NamespaceSpec
	Resources    ResourceSpec
	Cwd          string
	RootReadonly bool
	Rootfs       string // path to the mounted rootfs, typically a snapshot mount target
}

// defaultCapabilities is the fixed capability set from spec §4.5.
var defaultCapabilities = []string{
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_FSETID",
	"CAP_FOWNER",
	"CAP_MKNOD",
	"CAP_NET_RAW",
	"CAP_SETGID",
	"CAP_SETUID",
	"CAP_SETFCAP",
	"CAP_SETPCAP",
	"CAP_NET_BIND_SERVICE",
	"CAP_SYS_CHROOT",
	"CAP_KILL",
	"CAP_AUDIT_WRITE",
}

// cgroupPeriod is the fixed CFS quota period used by the cpu.quota mapping,
// spec §3: period 100000µs.
const cgroupPeriod = uint64(100000)

// ToCPUShares implements spec §3: cpu.shares = max(2, round(1024 * m/1000)).
func ToCPUShares(millicores uint64) uint64 {
	shares := uint64(math.Round(1024 * float64(millicores) / 1000))
	if shares < 2 {
		return 2
	}
	return shares
}

// ToCPUQuota implements spec §3: cpu.quota = max(1000, round(100000 * m/1000)).
func ToCPUQuota(millicores uint64) int64 {
	quota := int64(math.Round(100000 * float64(millicores) / 1000))
	if quota < 1000 {
		return 1000
	}
	return quota
}

// Build produces a runtime spec with the fixed capability set, fixed mount
// list, namespaces, and resources described in spec §4.5.
func Build(in Inputs) (*specs.Spec, error) {
	spec := &specs.Spec{
		Version: specs.Version,
		Process: &specs.Process{
			Args: in.Args,
			Env:  in.Env,
			Cwd:  cwdOrDefault(in.Cwd),
			Capabilities: &specs.LinuxCapabilities{
				Bounding:    defaultCapabilities,
				Effective:   defaultCapabilities,
				Inheritable: defaultCapabilities,
				Permitted:   defaultCapabilities,
			},
		},
		Root: &specs.Root{
			Path:     in.Rootfs,
			Readonly: in.RootReadonly,
		},
		Mounts: defaultMounts(),
		Linux: &specs.Linux{
			Namespaces: toLinuxNamespaces(in.Namespaces),
			Resources:  toLinuxResources(in.Resources),
		},
	}
	return spec, nil
}

func cwdOrDefault(cwd string) string {
	if cwd == "" {
		return "/"
	}
	return cwd
}

func defaultMounts() []specs.Mount {
	return []specs.Mount{
		{
			Destination: "/proc",
			Type:        "proc",
			Source:      "proc",
		},
		{
			Destination: "/dev",
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     []string{"nosuid", "strictatime", "mode=755", "size=65536k"},
		},
		{
			Destination: "/dev/pts",
			Type:        "devpts",
			Source:      "devpts",
			Options:     []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"},
		},
		{
			Destination: "/dev/shm",
			Type:        "tmpfs",
			Source:      "shm",
			Options:     []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"},
		},
		{
			Destination: "/sys",
			Type:        "sysfs",
			Source:      "sysfs",
			Options:     []string{"nosuid", "noexec", "nodev", "ro"},
		},
		{
			Destination: "/sys/fs/cgroup",
			Type:        "cgroup",
			Source:      "cgroup",
			Options:     []string{"nosuid", "noexec", "nodev", "relatime", "ro"},
		},
	}
}

func toLinuxNamespaces(in []NamespaceSpec) []specs.LinuxNamespace {
	out := make([]specs.LinuxNamespace, len(in))
	for i, ns := range in {
		out[i] = specs.LinuxNamespace{Type: ns.Type, Path: ns.Path}
	}
	return out
}

func toLinuxResources(r ResourceSpec) *specs.LinuxResources {
	shares := ToCPUShares(r.CPUMillicores)
	quota := ToCPUQuota(r.CPUMillicores)
	period := cgroupPeriod
	memLimit := int64(r.MemoryBytes)

	res := &specs.LinuxResources{
		CPU: &specs.LinuxCPU{
			Shares: &shares,
			Quota:  &quota,
			Period: &period,
		},
		Memory: &specs.LinuxMemory{
			Limit: &memLimit,
		},
	}
	if r.CPUSet != "" {
		res.CPU.Cpus = r.CPUSet
	}
	return res
}
