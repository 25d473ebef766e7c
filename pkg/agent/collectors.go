package agent

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"syscall"
)

// SystemInfo is what get_worker_node_info reports, mirroring the source's
// get_system_info() fields that have a direct Go stdlib equivalent.
type SystemInfo struct {
	Hostname         string `json:"hostname"`
	OS               string `json:"os"`
	Arch             string `json:"arch"`
	CPUCount         int    `json:"cpu_count"`
	TotalMemoryBytes uint64 `json:"total_memory_bytes"`
}

// CollectSystemInfo gathers the static facts about the host the worker
// agent is running on.
func CollectSystemInfo() (SystemInfo, error) {
	host, err := os.Hostname()
	if err != nil {
		return SystemInfo{}, fmt.Errorf("agent: hostname: %w", err)
	}
	var si syscall.Sysinfo_t
	var totalMem uint64
	if err := syscall.Sysinfo(&si); err == nil {
		totalMem = uint64(si.Totalram) * uint64(si.Unit)
	}
	return SystemInfo{
		Hostname:         host,
		OS:               runtime.GOOS,
		Arch:             runtime.GOARCH,
		CPUCount:         runtime.NumCPU(),
		TotalMemoryBytes: totalMem,
	}, nil
}

// Usage is what get_usage reports: point-in-time resource pressure.
type Usage struct {
	FreeMemoryBytes uint64  `json:"free_memory_bytes"`
	LoadAverage1m   float64 `json:"load_average_1m"`
}

// CollectUsage reads live memory and load-average figures via syscall.Sysinfo,
// the same call Linux's own /proc/loadavg and /proc/meminfo are backed by.
func CollectUsage() (Usage, error) {
	var si syscall.Sysinfo_t
	if err := syscall.Sysinfo(&si); err != nil {
		return Usage{}, fmt.Errorf("agent: sysinfo: %w", err)
	}
	// Loads[0] is the 1-minute load average scaled by 1<<SI_LOAD_SHIFT (16).
	const loadShift = 1 << 16
	return Usage{
		FreeMemoryBytes: uint64(si.Freeram) * uint64(si.Unit),
		LoadAverage1m:   float64(si.Loads[0]) / loadShift,
	}, nil
}

// CollectHostIP returns the host's first non-loopback IPv4 address, the
// same value the source's socket.gethostbyname(socket.gethostname()) trick
// resolves to on a typical single-homed worker.
func CollectHostIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("agent: interface addrs: %w", err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("agent: no non-loopback IPv4 address found")
}
