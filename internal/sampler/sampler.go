// Package sampler emits synthetic metric events for live tracked
// processes on a fixed cadence. Samples are shaped like kernel events so
// the aggregator never branches on source. CPU usage is a two-point
// delta of utime+stime between consecutive ticks, the same way the
// process top-lists are computed.
package sampler

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Tracer-Cloud/tracer-client/internal/metrics"
	"github.com/Tracer-Cloud/tracer-client/internal/model"
	"github.com/Tracer-Cloud/tracer-client/internal/watcher"
)

// clkTck is USER_HZ; 100 on every architecture this agent supports.
const clkTck = 100.0

// pageSize for RSS conversion.
var pageSize = int64(os.Getpagesize())

// Emit receives the sampler's synthetic events.
type Emit func(ev *model.Event)

// Sampler walks the live process set once per interval.
type Sampler struct {
	procRoot string
	interval time.Duration
	procs    *watcher.Watcher
	ids      *model.EventIDGenerator
	emit     Emit
	log      *zap.Logger

	prev map[uint64]cpuSample // upid → last tick's CPU counters

	sysRAMTotal  uint64
	sysCores     int
	sysDiskTotal uint64
}

type cpuSample struct {
	utime, stime uint64
	at           time.Time
}

// New builds a Sampler over the watcher's process table.
func New(procs *watcher.Watcher, ids *model.EventIDGenerator, emit Emit, procRoot string, interval time.Duration, log *zap.Logger) *Sampler {
	if procRoot == "" {
		procRoot = "/proc"
	}
	if interval <= 0 {
		interval = time.Second
	}
	s := &Sampler{
		procRoot: procRoot,
		interval: interval,
		procs:    procs,
		ids:      ids,
		emit:     emit,
		log:      log.Named("sampler"),
		prev:     make(map[uint64]cpuSample),
		sysCores: runtime.NumCPU(),
	}
	s.sysRAMTotal = readMemTotal(procRoot)
	s.sysDiskTotal = readDiskTotal()
	return s
}

// Run ticks until ctx is cancelled. The sampler never blocks the
// reassembler; it owns its own goroutine and only exchanges snapshots
// with the watcher.
func (s *Sampler) Run(ctx context.Context, drops func() uint64) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(time.Now())
			if drops != nil {
				metrics.KernelDrops.Set(float64(drops()))
			}
			metrics.SamplerTicks.Inc()
		}
	}
}

// tick samples every live process and emits one metric event each, plus
// a tool metric event for classified processes.
func (s *Sampler) tick(now time.Time) {
	live := s.procs.Snapshot()
	seen := make(map[uint64]bool, len(live))

	for i := range live {
		p := &live[i]
		seen[p.UPID] = true

		m, ok := s.sample(p, now)
		if !ok {
			continue
		}

		ts := uint64(now.UnixNano())
		s.emit(&model.Event{
			ID:          s.ids.Next(),
			Type:        model.EventMetric,
			TimestampNS: ts,
			PID:         p.PID,
			PPID:        p.PPID,
			UPID:        p.UPID,
			UPPID:       p.UPPID,
			Comm:        p.Comm,
			Payload:     m,
		})
		if p.ToolName != "" {
			s.emit(&model.Event{
				ID:          s.ids.Next(),
				Type:        model.EventToolMetric,
				TimestampNS: ts,
				PID:         p.PID,
				PPID:        p.PPID,
				UPID:        p.UPID,
				UPPID:       p.UPPID,
				Comm:        p.Comm,
				Payload: map[string]any{
					"tool.name":  p.ToolName,
					"cpu_usage":  m.CPUUsage,
					"mem_used":   m.MemUsed,
					"disk_read":  m.DiskReadBytes,
					"disk_write": m.DiskWriteBytes,
				},
			})
		}
	}

	// Forget CPU baselines for exited processes.
	for upid := range s.prev {
		if !seen[upid] {
			delete(s.prev, upid)
		}
	}
}

// sample reads one process's /proc counters. Returns false when the
// process vanished between snapshot and read.
func (s *Sampler) sample(p *watcher.Process, now time.Time) (*model.MetricPayload, bool) {
	pidDir := filepath.Join(s.procRoot, strconv.FormatUint(uint64(p.PID), 10))

	utime, stime, rssPages, ok := readStatCounters(filepath.Join(pidDir, "stat"))
	if !ok {
		return nil, false
	}

	cpu := 0.0
	if prev, ok := s.prev[p.UPID]; ok {
		elapsed := now.Sub(prev.at).Seconds()
		if elapsed > 0 {
			delta := float64((utime + stime) - (prev.utime + prev.stime))
			cpu = delta / clkTck / elapsed * 100
		}
	}
	s.prev[p.UPID] = cpuSample{utime: utime, stime: stime, at: now}

	readBytes, writeBytes := readIOCounters(filepath.Join(pidDir, "io"))

	return &model.MetricPayload{
		CPUUsage:        cpu,
		MemUsed:         uint64(rssPages * pageSize),
		DiskReadBytes:   readBytes,
		DiskWriteBytes:  writeBytes,
		SystemRAMTotal:  s.sysRAMTotal,
		SystemCPUCores:  s.sysCores,
		SystemDiskTotal: s.sysDiskTotal,
	}, true
}

// readStatCounters parses utime, stime, and rss out of /proc/<pid>/stat.
// comm can contain spaces and parens, so fields are counted after the
// last ")".
func readStatCounters(path string) (utime, stime uint64, rssPages int64, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, 0, false
	}
	s := string(data)
	commEnd := strings.LastIndex(s, ")")
	if commEnd < 0 {
		return 0, 0, 0, false
	}
	rest := strings.Fields(s[commEnd+2:])
	// rest[11]=utime, rest[12]=stime, rest[21]=rss
	if len(rest) < 22 {
		return 0, 0, 0, false
	}
	utime, _ = strconv.ParseUint(rest[11], 10, 64)
	stime, _ = strconv.ParseUint(rest[12], 10, 64)
	rssPages, _ = strconv.ParseInt(rest[21], 10, 64)
	return utime, stime, rssPages, true
}

// readIOCounters parses read_bytes/write_bytes from /proc/<pid>/io.
// Zero when unreadable (the file needs same-user or CAP_SYS_PTRACE).
func readIOCounters(path string) (readBytes, writeBytes uint64) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "read_bytes: "); ok {
			readBytes, _ = strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		}
		if v, ok := strings.CutPrefix(line, "write_bytes: "); ok {
			writeBytes, _ = strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		}
	}
	return readBytes, writeBytes
}

func readMemTotal(procRoot string) uint64 {
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

// readDiskTotal reports the root filesystem size, best-effort; 0 when
// unavailable.
func readDiskTotal() uint64 {
	var st unix.Statfs_t
	if err := unix.Statfs("/", &st); err != nil {
		return 0
	}
	return st.Blocks * uint64(st.Bsize)
}
