package ebpf

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/Tracer-Cloud/tracer-client/internal/filter"
	"github.com/Tracer-Cloud/tracer-client/internal/payload"
)

// Map and program names in the compiled object. Must match
// internal/ebpf/c/tracer.bpf.c.
const (
	mapHeaders  = "headers"
	mapPayloads = "payloads"
	mapConfig   = "config"
	mapDrops    = "drops"
	mapConsumed = "consumed"
)

// Config map keys. Keys 0..31 hold blacklisted PIDs (0 = slot disabled).
const (
	cfgKeyDebug  = 32
	cfgKeyBootNS = 33
	cfgEntries   = 34
)

// tracepoints lists every hook the probe attaches, as (group, name,
// program) triples.
var tracepoints = []struct {
	group, name, prog string
}{
	{"sched", "sched_process_exec", "handle_exec"},
	{"sched", "sched_process_exit", "handle_exit"},
	{"syscalls", "sys_enter_openat", "handle_openat_enter"},
	{"syscalls", "sys_exit_openat", "handle_openat_exit"},
	{"syscalls", "sys_enter_read", "handle_read_enter"},
	{"syscalls", "sys_enter_write", "handle_write_enter"},
	{"vmscan", "mm_vmscan_direct_reclaim_begin", "handle_reclaim_begin"},
	{"oom", "mark_victim", "handle_oom_mark_victim"},
}

// LoadError carries a fatal probe setup failure; the agent exits with it
// at startup.
type LoadError struct {
	Stage string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Probe is the loaded and attached kernel side of the agent.
type Probe struct {
	coll  *ebpf.Collection
	links []link.Link
	rd    *ringbuf.Reader
	log   *zap.Logger
}

// defaultObjectPaths are searched for the compiled CO-RE object when no
// explicit path is configured.
var defaultObjectPaths = []string{
	"/usr/lib/tracer/tracer.bpf.o",
	"internal/ebpf/bpf/tracer.bpf.o",
}

// Load verifies kernel support, loads the object, installs the config
// map, and attaches every tracepoint. Any failure is fatal.
func Load(objectPath string, bootOffsetNS int64, debug bool, log *zap.Logger) (*Probe, error) {
	if err := DetectKernel().Verify(); err != nil {
		return nil, &LoadError{Stage: "kernel check", Err: err}
	}

	// Lift the memlock rlimit for kernels < 5.11.
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, &LoadError{Stage: "rlimit", Err: err}
	}

	path, err := resolveObject(objectPath)
	if err != nil {
		return nil, &LoadError{Stage: "object lookup", Err: err}
	}
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, &LoadError{Stage: "load spec", Err: err}
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, &LoadError{Stage: "load collection", Err: err}
	}

	p := &Probe{coll: coll, log: log.Named("probe")}

	if err := p.installConfig(bootOffsetNS, debug); err != nil {
		p.Close()
		return nil, &LoadError{Stage: "config map", Err: err}
	}

	for _, tp := range tracepoints {
		prog := coll.Programs[tp.prog]
		if prog == nil {
			p.Close()
			return nil, &LoadError{Stage: "attach", Err: fmt.Errorf("program %q not in object", tp.prog)}
		}
		l, err := link.Tracepoint(tp.group, tp.name, prog, nil)
		if err != nil {
			p.Close()
			return nil, &LoadError{Stage: "attach", Err: fmt.Errorf("%s/%s: %w", tp.group, tp.name, err)}
		}
		p.links = append(p.links, l)
		p.log.Debug("attached tracepoint", zap.String("group", tp.group), zap.String("name", tp.name))
	}

	rd, err := ringbuf.NewReader(coll.Maps[mapHeaders])
	if err != nil {
		p.Close()
		return nil, &LoadError{Stage: "ring buffer", Err: err}
	}
	p.rd = rd
	return p, nil
}

func resolveObject(objectPath string) (string, error) {
	candidates := defaultObjectPaths
	if objectPath != "" {
		candidates = []string{objectPath}
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return filepath.Clean(c), nil
		}
	}
	return "", fmt.Errorf("compiled BPF object not found (tried %v)", candidates)
}

// installConfig seeds the config map: debug flag at key 32, boot offset
// at key 33. Blacklist slots stay zero until the filter mirrors PIDs in.
func (p *Probe) installConfig(bootOffsetNS int64, debug bool) error {
	m := p.coll.Maps[mapConfig]
	if m == nil {
		return fmt.Errorf("map %q not in object", mapConfig)
	}
	var dbg uint64
	if debug {
		dbg = 1
	}
	if err := m.Put(uint32(cfgKeyDebug), dbg); err != nil {
		return err
	}
	return m.Put(uint32(cfgKeyBootNS), uint64(bootOffsetNS))
}

// Reader returns the header ring buffer reader.
func (p *Probe) Reader() *ringbuf.Reader { return p.rd }

// Entries returns the payload array adapter for the reassembler.
func (p *Probe) Entries() payload.EntryReader {
	return &entryReader{m: p.coll.Maps[mapPayloads]}
}

// UpdateBlacklist writes the sorted PID subset into config keys 0..31,
// zeroing unused slots. Implements filter.PIDMirror.
func (p *Probe) UpdateBlacklist(pids []uint32) error {
	m := p.coll.Maps[mapConfig]
	if m == nil {
		return fmt.Errorf("map %q not in object", mapConfig)
	}
	for i := 0; i < filter.KernelMirrorSize; i++ {
		var val uint64
		if i < len(pids) {
			val = uint64(pids[i])
		}
		if err := m.Put(uint32(i), val); err != nil {
			return err
		}
	}
	return nil
}

// ConfirmConsumed writes the consumer's drained-entry total for one CPU
// back to the kernel, which refuses reservations that would overrun the
// unconsumed window. Implements payload.ConsumedSink.
func (p *Probe) ConfirmConsumed(cpu uint32, totalEntries uint64) error {
	m := p.coll.Maps[mapConsumed]
	if m == nil {
		return fmt.Errorf("map %q not in object", mapConsumed)
	}
	var vals []uint64
	if err := m.Lookup(uint32(0), &vals); err != nil {
		return err
	}
	if int(cpu) >= len(vals) {
		return fmt.Errorf("cpu %d out of range (%d)", cpu, len(vals))
	}
	vals[cpu] = totalEntries
	return m.Put(uint32(0), vals)
}

// Drops sums the per-CPU drop counters.
func (p *Probe) Drops() uint64 {
	m := p.coll.Maps[mapDrops]
	if m == nil {
		return 0
	}
	var perCPU []uint64
	if err := m.Lookup(uint32(0), &perCPU); err != nil {
		return 0
	}
	var total uint64
	for _, v := range perCPU {
		total += v
	}
	return total
}

// Close detaches all links and releases the maps. Idempotent.
func (p *Probe) Close() {
	if p.rd != nil {
		p.rd.Close()
		p.rd = nil
	}
	for _, l := range p.links {
		l.Close()
	}
	p.links = nil
	if p.coll != nil {
		p.coll.Close()
		p.coll = nil
	}
}

// entryReader adapts the kernel payload array to payload.EntryReader.
type entryReader struct {
	m *ebpf.Map
}

func (r *entryReader) ReadEntry(globalIndex uint32, dst []byte) error {
	if r.m == nil {
		return fmt.Errorf("payload map unavailable")
	}
	var entry [payload.EntrySize]byte
	if err := r.m.Lookup(globalIndex, &entry); err != nil {
		return fmt.Errorf("payload entry %d: %w", globalIndex, err)
	}
	copy(dst, entry[:])
	return nil
}
