// Package ebpf loads and attaches the kernel probe, installs the
// shared configuration map, and exposes the ring buffer and payload
// array to the user-space pipeline. It also detects BTF/CO-RE support so
// unsupported hosts fail loudly at startup instead of mid-run.
package ebpf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// KernelInfo describes the probe-relevant kernel features of this host.
type KernelInfo struct {
	Version      string `json:"version"`
	Major        int    `json:"major"`
	Minor        int    `json:"minor"`
	BTFAvailable bool   `json:"btf_available"`
	VmlinuxPath  string `json:"vmlinux_path,omitempty"`
	// RingBuffer requires kernel >= 5.8 (BPF_MAP_TYPE_RINGBUF).
	RingBuffer bool `json:"ring_buffer"`
}

// DetectKernel inspects /proc and /sys for probe prerequisites.
func DetectKernel() *KernelInfo {
	info := &KernelInfo{Version: readKernelVersion()}
	info.Major, info.Minor = parseKernelVersion(info.Version)

	btfPath := "/sys/kernel/btf/vmlinux"
	if _, err := os.Stat(btfPath); err == nil {
		info.BTFAvailable = true
		info.VmlinuxPath = btfPath
	}
	if info.Major > 5 || (info.Major == 5 && info.Minor >= 8) {
		info.RingBuffer = true
	}
	return info
}

// Verify returns the fatal startup error for hosts that cannot run the
// probe. Per the error contract, feature gaps surface here and never
// mid-run.
func (k *KernelInfo) Verify() error {
	if !k.RingBuffer {
		return fmt.Errorf("kernel %s lacks BPF ring buffer support (need >= 5.8)", k.Version)
	}
	if !k.BTFAvailable {
		return fmt.Errorf("kernel %s has no BTF at /sys/kernel/btf/vmlinux (CONFIG_DEBUG_INFO_BTF required)", k.Version)
	}
	return nil
}

// Capabilities checks the BPF feature surface for the `capabilities`
// subcommand.
func Capabilities() map[string]bool {
	caps := make(map[string]bool)
	caps["bpf_syscall"] = fileExists("/proc/sys/kernel/unprivileged_bpf_disabled")
	caps["btf_vmlinux"] = fileExists("/sys/kernel/btf/vmlinux")
	caps["bpffs"] = fileExists("/sys/fs/bpf")
	caps["tracefs"] = fileExists("/sys/kernel/tracing") || fileExists("/sys/kernel/debug/tracing")

	kconfig := readKConfig()
	for _, opt := range []string{
		"CONFIG_BPF",
		"CONFIG_BPF_SYSCALL",
		"CONFIG_BPF_JIT",
		"CONFIG_BPF_EVENTS",
		"CONFIG_TRACING",
		"CONFIG_DEBUG_INFO_BTF",
	} {
		caps[strings.ToLower(opt)] = kconfig[opt]
	}
	return caps
}

// FormatCapabilities renders a human-readable capability summary.
func FormatCapabilities(caps map[string]bool) string {
	var sb strings.Builder
	k := DetectKernel()
	sb.WriteString(fmt.Sprintf("Kernel: %s (ring buffer: %v, BTF: %v)\n\n", k.Version, k.RingBuffer, k.BTFAvailable))

	groups := []struct {
		title string
		keys  []string
	}{
		{"Core BPF", []string{"bpf_syscall", "bpffs", "config_bpf", "config_bpf_syscall", "config_bpf_jit"}},
		{"Tracing", []string{"tracefs", "config_bpf_events", "config_tracing"}},
		{"BTF/CO-RE", []string{"btf_vmlinux", "config_debug_info_btf"}},
	}
	for _, g := range groups {
		sb.WriteString(g.title + ":\n")
		for _, key := range g.keys {
			status := "✗"
			if caps[key] {
				status = "✓"
			}
			sb.WriteString(fmt.Sprintf("  %s %s\n", status, key))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func readKernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(data))
	if len(fields) >= 3 {
		return fields[2]
	}
	return ""
}

func parseKernelVersion(version string) (int, int) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return 0, 0
	}
	major, _ := strconv.Atoi(parts[0])
	minorStr := parts[1]
	if idx := strings.IndexAny(minorStr, "-+~"); idx >= 0 {
		minorStr = minorStr[:idx]
	}
	minor, _ := strconv.Atoi(minorStr)
	return major, minor
}

func readKConfig() map[string]bool {
	configs := make(map[string]bool)
	paths := []string{
		fmt.Sprintf("/boot/config-%s", readKernelRelease()),
		"/proc/config.gz",
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "#") || line == "" {
				continue
			}
			if idx := strings.Index(line, "="); idx >= 0 {
				configs[line[:idx]] = line[idx+1:] == "y" || line[idx+1:] == "m"
			}
		}
		break
	}
	return configs
}

func readKernelRelease() string {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
