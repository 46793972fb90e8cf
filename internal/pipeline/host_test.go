package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHostResourceAttributes(t *testing.T) {
	root := t.TempDir()
	content := "MemTotal:       16384000 kB\nMemFree:         1024 kB\n"
	if err := os.WriteFile(filepath.Join(root, "meminfo"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	attrs := HostResourceAttributes(root)
	if got := attrs["system_ram_total"].(uint64); got != 16384000*1024 {
		t.Errorf("system_ram_total = %d", got)
	}
	if attrs["system_cpu_cores"].(int) <= 0 {
		t.Error("system_cpu_cores must be positive")
	}
	// Disk total is best-effort; it must at least be present.
	if _, ok := attrs["system_disk_total"]; !ok {
		t.Error("system_disk_total missing")
	}
}

func TestMemTotalUnreadable(t *testing.T) {
	if got := memTotal(t.TempDir()); got != 0 {
		t.Errorf("memTotal without meminfo = %d, want 0", got)
	}
}
