package sampler

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Tracer-Cloud/tracer-client/internal/catalog"
	"github.com/Tracer-Cloud/tracer-client/internal/clock"
	"github.com/Tracer-Cloud/tracer-client/internal/model"
	"github.com/Tracer-Cloud/tracer-client/internal/watcher"
)

// --- helpers ---------------------------------------------------------------

func writeStat(t *testing.T, root string, pid uint32, comm string, utime, stime uint64, rssPages int64) {
	t.Helper()
	dir := filepath.Join(root, fmt.Sprint(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	line := fmt.Sprintf("%d (%s) R 1 %d %d 0 -1 4194560 0 0 0 0 %d %d 0 0 20 0 1 0 100 0 %d 18446744073709551615 0 0 0 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0 0 0 0 0 0 0 0 0",
		pid, comm, pid, pid, utime, stime, rssPages)
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(line), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeIO(t *testing.T, root string, pid uint32, readBytes, writeBytes uint64) {
	t.Helper()
	dir := filepath.Join(root, fmt.Sprint(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := fmt.Sprintf("rchar: 0\nwchar: 0\nsyscr: 0\nsyscw: 0\nread_bytes: %d\nwrite_bytes: %d\ncancelled_write_bytes: 0\n",
		readBytes, writeBytes)
	if err := os.WriteFile(filepath.Join(dir, "io"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeMeminfo(t *testing.T, root string, totalKB uint64) {
	t.Helper()
	content := fmt.Sprintf("MemTotal:       %d kB\nMemFree:         1024 kB\n", totalKB)
	if err := os.WriteFile(filepath.Join(root, "meminfo"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const toolRules = `
- name: bwa
  match:
    comm: bwa
`

func newTestSampler(t *testing.T, root string) (*Sampler, *watcher.Watcher, *[]model.Event) {
	t.Helper()
	cat, err := catalog.Parse([]byte(toolRules))
	if err != nil {
		t.Fatal(err)
	}
	var emitted []model.Event
	emit := func(ev *model.Event) { emitted = append(emitted, *ev) }
	ids := model.NewSeededEventIDGenerator(1)
	w := watcher.New(cat, nil, ids, emit, root, zap.NewNop())
	s := New(w, ids, emit, root, time.Second, zap.NewNop())
	return s, w, &emitted
}

func trackProcess(w *watcher.Watcher, pid uint32, comm string) {
	w.HandleEvent(&model.Event{
		Type:        model.EventExec,
		TimestampNS: 1,
		PID:         pid,
		UPID:        clock.UPID(pid, 1),
		Comm:        comm,
		Payload:     &model.ExecPayload{StartTimeNS: 1},
	})
}

// --- tests -----------------------------------------------------------------

func TestMetricEventShape(t *testing.T) {
	root := t.TempDir()
	writeMeminfo(t, root, 8<<20) // 8 GiB
	writeStat(t, root, 100, "bwa", 1000, 500, 2048)
	writeIO(t, root, 100, 4096, 1024)

	s, w, emitted := newTestSampler(t, root)
	trackProcess(w, 100, "bwa")
	*emitted = (*emitted)[:0] // drop the exec-side synthetics

	s.tick(time.Unix(10, 0))

	var metric, toolMetric *model.Event
	for i := range *emitted {
		switch (*emitted)[i].Type {
		case model.EventMetric:
			metric = &(*emitted)[i]
		case model.EventToolMetric:
			toolMetric = &(*emitted)[i]
		}
	}
	if metric == nil {
		t.Fatal("no metric_event emitted")
	}
	m := metric.Payload.(*model.MetricPayload)
	if m.MemUsed != uint64(2048*int64(os.Getpagesize())) {
		t.Errorf("mem_used = %d", m.MemUsed)
	}
	if m.DiskReadBytes != 4096 || m.DiskWriteBytes != 1024 {
		t.Errorf("disk counters = %d/%d", m.DiskReadBytes, m.DiskWriteBytes)
	}
	if m.SystemRAMTotal != 8<<30 {
		t.Errorf("system_ram_total = %d", m.SystemRAMTotal)
	}
	if m.SystemCPUCores <= 0 {
		t.Errorf("system_cpu_cores = %d", m.SystemCPUCores)
	}

	// Classified process also gets a tool metric.
	if toolMetric == nil {
		t.Fatal("no tool_metric_event for a classified process")
	}
	attrs := toolMetric.Payload.(map[string]any)
	if attrs["tool.name"] != "bwa" {
		t.Errorf("tool.name = %v", attrs["tool.name"])
	}
}

// TestCPUDeltaBetweenTicks: the first tick has no baseline (0% CPU); a
// second tick one second later with +100 ticks of CPU time reports 100%.
func TestCPUDeltaBetweenTicks(t *testing.T) {
	root := t.TempDir()
	writeMeminfo(t, root, 1<<20)
	writeStat(t, root, 200, "bwa", 1000, 0, 10)
	writeIO(t, root, 200, 0, 0)

	s, w, emitted := newTestSampler(t, root)
	trackProcess(w, 200, "bwa")

	s.tick(time.Unix(10, 0))
	*emitted = (*emitted)[:0]

	// One second later the process burned 100 ticks (= one full CPU
	// at USER_HZ 100).
	writeStat(t, root, 200, "bwa", 1100, 0, 10)
	s.tick(time.Unix(11, 0))

	var m *model.MetricPayload
	for i := range *emitted {
		if (*emitted)[i].Type == model.EventMetric {
			m = (*emitted)[i].Payload.(*model.MetricPayload)
		}
	}
	if m == nil {
		t.Fatal("no metric on second tick")
	}
	if m.CPUUsage < 99 || m.CPUUsage > 101 {
		t.Errorf("cpu_usage = %f, want ~100", m.CPUUsage)
	}
}

func TestVanishedProcessSkipped(t *testing.T) {
	root := t.TempDir()
	writeMeminfo(t, root, 1<<20)

	s, w, emitted := newTestSampler(t, root)
	trackProcess(w, 300, "bwa") // no /proc entry written
	*emitted = (*emitted)[:0]

	s.tick(time.Unix(10, 0))
	for _, ev := range *emitted {
		if ev.Type == model.EventMetric {
			t.Error("metric emitted for a vanished process")
		}
	}
}

func TestBaselineForgottenAfterExit(t *testing.T) {
	root := t.TempDir()
	writeMeminfo(t, root, 1<<20)
	writeStat(t, root, 400, "bwa", 1, 1, 1)
	writeIO(t, root, 400, 0, 0)

	s, w, _ := newTestSampler(t, root)
	trackProcess(w, 400, "bwa")
	s.tick(time.Unix(10, 0))
	if len(s.prev) != 1 {
		t.Fatalf("baselines = %d, want 1", len(s.prev))
	}

	w.HandleEvent(&model.Event{
		Type:    model.EventExit,
		PID:     400,
		UPID:    clock.UPID(400, 1),
		Payload: &model.ExitPayload{},
	})
	s.tick(time.Unix(11, 0))
	if len(s.prev) != 0 {
		t.Errorf("stale baseline kept after exit: %d", len(s.prev))
	}
}

func TestReadIOCountersUnreadable(t *testing.T) {
	r, w := readIOCounters("/nonexistent/io")
	if r != 0 || w != 0 {
		t.Errorf("unreadable io = %d/%d, want zeros", r, w)
	}
}
