package pipeline

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// HostResourceAttributes reads the host's resource envelope for the
// new_run event. Disk total is best-effort; 0 when unavailable.
func HostResourceAttributes(procRoot string) map[string]any {
	if procRoot == "" {
		procRoot = "/proc"
	}
	attrs := map[string]any{
		"system_cpu_cores":  runtime.NumCPU(),
		"system_ram_total":  memTotal(procRoot),
		"system_disk_total": diskTotal(),
	}
	return attrs
}

func memTotal(procRoot string) uint64 {
	data, err := os.ReadFile(filepath.Join(procRoot, "meminfo"))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, _ := strconv.ParseUint(fields[1], 10, 64)
				return kb * 1024
			}
		}
	}
	return 0
}

func diskTotal() uint64 {
	var st unix.Statfs_t
	if err := unix.Statfs("/", &st); err != nil {
		return 0
	}
	return st.Blocks * uint64(st.Bsize)
}
