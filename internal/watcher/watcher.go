// Package watcher maintains the live process table. It consumes
// materialized kernel events, classifies processes against the tool
// catalog on exec, folds exit causes on exit, detects dataset opens, and
// emits synthetic tool lifecycle events to the aggregator.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Tracer-Cloud/tracer-client/internal/catalog"
	"github.com/Tracer-Cloud/tracer-client/internal/clock"
	"github.com/Tracer-Cloud/tracer-client/internal/model"
)

// envSubsetPrefixes names the environment variables kept on a process
// record; the full environment never leaves the exec handler.
var envSubsetPrefixes = []string{
	"CONDA_PREFIX=", "CONDA_DEFAULT_ENV=", "PATH=", "NXF_", "SLURM_JOB_ID=",
}

// Process is one live tracked process, keyed by upid.
type Process struct {
	PID         uint32
	PPID        uint32
	UPID        uint64
	UPPID       uint64
	StartTimeNS uint64
	Comm        string
	Argv        []string
	EnvSubset   []string
	ContainerID string
	ToolName    string
	ToolCmd     string
	FirstSeenNS uint64
	LastSeenNS  uint64

	// Accumulated from read/write syscalls, folded into the final
	// tool metric on exit.
	DiskReadBytes  uint64
	DiskWriteBytes uint64

	// Set by an oom_mark_victim event; turns the following SIGKILL
	// exit into an OOM classification.
	OomMarked bool
}

// Emit receives the watcher's synthetic events (tool_execution,
// finished_tool_execution, dataset_opened).
type Emit func(ev *model.Event)

// Watcher owns the process table. Other tasks interact through method
// calls that copy in and out; the table itself never escapes.
type Watcher struct {
	mu    sync.Mutex
	table map[uint64]*Process // upid → process
	byPID map[uint32]uint64   // pid → live upid

	catalog         *catalog.Catalog
	datasetPrefixes []string
	seenDatasets    map[string]bool

	ids      *model.EventIDGenerator
	emit     Emit
	procRoot string
	log      *zap.Logger
}

// New builds a Watcher.
func New(cat *catalog.Catalog, datasetPrefixes []string, ids *model.EventIDGenerator, emit Emit, procRoot string, log *zap.Logger) *Watcher {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &Watcher{
		table:           make(map[uint64]*Process),
		byPID:           make(map[uint32]uint64),
		catalog:         cat,
		datasetPrefixes: datasetPrefixes,
		seenDatasets:    make(map[string]bool),
		ids:             ids,
		emit:            emit,
		procRoot:        procRoot,
		log:             log.Named("watcher"),
	}
}

// HandleEvent dispatches one materialized event by integer tag.
func (w *Watcher) HandleEvent(ev *model.Event) {
	switch ev.Type {
	case model.EventExec:
		w.handleExec(ev)
	case model.EventExit:
		w.handleExit(ev)
	case model.EventOpenatEnter:
		w.handleOpenat(ev)
	case model.EventOomMarkVictim:
		w.handleOomMark(ev)
	case model.EventReadEnter, model.EventWriteEnter:
		w.handleRW(ev)
	}
}

// handleExec creates or replaces the record for the PID and classifies
// it against the catalog exactly once per lifetime.
func (w *Watcher) handleExec(ev *model.Event) {
	p, _ := ev.Payload.(*model.ExecPayload)

	proc := &Process{
		PID:         ev.PID,
		PPID:        ev.PPID,
		UPID:        ev.UPID,
		UPPID:       ev.UPPID,
		Comm:        ev.Comm,
		FirstSeenNS: ev.TimestampNS,
		LastSeenNS:  ev.TimestampNS,
	}
	if p != nil {
		proc.StartTimeNS = p.StartTimeNS
		proc.Argv = p.Args()
		proc.EnvSubset = filterEnv(p.Environ())
	}
	proc.ContainerID = w.containerID(ev.PID)

	w.mu.Lock()
	// A replaced PID means reuse; the old record stays keyed by its
	// distinct upid until its exit arrives.
	w.byPID[ev.PID] = ev.UPID
	w.table[ev.UPID] = proc

	var rule *catalog.Rule
	if w.catalog != nil {
		rule = w.catalog.Match(proc.Comm, proc.Argv, proc.EnvSubset)
	}
	if rule != nil {
		proc.ToolName = rule.Name
		proc.ToolCmd = strings.Join(proc.Argv, " ")
	}
	w.mu.Unlock()

	if rule != nil {
		attrs := map[string]any{
			"tool.name": rule.Name,
			"tool.cmd":  proc.ToolCmd,
			"tool.pid":  ev.PID,
		}
		for k, v := range rule.Attributes {
			attrs["tool."+k] = v
		}
		w.emit(&model.Event{
			ID:          w.ids.Next(),
			Type:        model.EventToolExecution,
			TimestampNS: ev.TimestampNS,
			PID:         ev.PID,
			PPID:        ev.PPID,
			UPID:        ev.UPID,
			UPPID:       ev.UPPID,
			Comm:        ev.Comm,
			Payload:     attrs,
		})
	}
}

// handleExit finalizes and removes the record. The finished-tool event
// carries the folded exit cause; the record is removed from the table
// under the lock first, and the event is built from that removed copy.
func (w *Watcher) handleExit(ev *model.Event) {
	w.mu.Lock()
	proc, ok := w.table[ev.UPID]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.table, ev.UPID)
	if w.byPID[ev.PID] == ev.UPID {
		delete(w.byPID, ev.PID)
	}
	w.mu.Unlock()

	if proc.ToolName == "" {
		return
	}

	reason := exitReasonFor(proc, ev.Payload)
	durationNS := ev.TimestampNS - proc.FirstSeenNS

	attrs := map[string]any{
		"tool.name":                    proc.ToolName,
		"completed_process.exit_code":  fmt.Sprint(model.FoldExitCode(reason)),
		"completed_process.duration_s": float64(durationNS) / 1e9,
		"completed_process.disk_read":  proc.DiskReadBytes,
		"completed_process.disk_write": proc.DiskWriteBytes,
	}
	switch reason.Kind {
	case model.ExitSignal:
		attrs["completed_process.exit_signal"] = fmt.Sprint(reason.Value)
	case model.ExitOomKilled:
		attrs["completed_process.oom_killed"] = "true"
	}
	if proc.ContainerID != "" {
		attrs["container.id"] = proc.ContainerID
	}

	w.emit(&model.Event{
		ID:          w.ids.Next(),
		Type:        model.EventFinishedToolExecution,
		TimestampNS: ev.TimestampNS,
		PID:         ev.PID,
		PPID:        ev.PPID,
		UPID:        ev.UPID,
		UPPID:       ev.UPPID,
		Comm:        proc.Comm,
		Payload:     attrs,
	})
}

// handleOpenat checks the opened path against the dataset prefixes and
// reports each distinct dataset path once per run.
func (w *Watcher) handleOpenat(ev *model.Event) {
	p, _ := ev.Payload.(*model.OpenatPayload)
	if p == nil || p.FileName.Empty() {
		return
	}
	// The kernel stores the path with its trailing NUL.
	path := strings.TrimRight(p.FileName.String(), "\x00")
	if path == "" {
		return
	}

	matched := false
	for _, prefix := range w.datasetPrefixes {
		if strings.HasPrefix(path, prefix) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}

	w.mu.Lock()
	if w.seenDatasets[path] {
		w.mu.Unlock()
		return
	}
	w.seenDatasets[path] = true
	w.mu.Unlock()

	w.emit(&model.Event{
		ID:          w.ids.Next(),
		Type:        model.EventDatasetOpened,
		TimestampNS: ev.TimestampNS,
		PID:         ev.PID,
		PPID:        ev.PPID,
		UPID:        ev.UPID,
		UPPID:       ev.UPPID,
		Comm:        ev.Comm,
		Payload:     map[string]any{"dataset.path": path},
	})
}

// handleOomMark flags the victim. The mark event reports the victim's
// PID, which may differ from the task that hit the reclaim path, so the
// lookup falls back from upid to pid.
func (w *Watcher) handleOomMark(ev *model.Event) {
	w.mu.Lock()
	proc, ok := w.table[ev.UPID]
	if !ok {
		if upid, live := w.byPID[ev.PID]; live {
			proc, ok = w.table[upid]
		}
	}
	if ok {
		proc.OomMarked = true
		proc.LastSeenNS = ev.TimestampNS
	}
	w.mu.Unlock()
}

func (w *Watcher) handleRW(ev *model.Event) {
	p, _ := ev.Payload.(*model.RWPayload)
	if p == nil {
		return
	}
	w.mu.Lock()
	if proc, ok := w.table[ev.UPID]; ok {
		if ev.Type == model.EventReadEnter {
			proc.DiskReadBytes += p.Count
		} else {
			proc.DiskWriteBytes += p.Count
		}
		proc.LastSeenNS = ev.TimestampNS
	}
	w.mu.Unlock()
}

// ResetRun clears per-run dataset dedup state. The pipeline opens one
// run per daemon and does not call it.
func (w *Watcher) ResetRun() {
	w.mu.Lock()
	w.seenDatasets = make(map[string]bool)
	w.mu.Unlock()
}

// Snapshot returns copies of all live process records, for the sampler.
func (w *Watcher) Snapshot() []Process {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Process, 0, len(w.table))
	for _, p := range w.table {
		out = append(out, *p)
	}
	return out
}

// Len returns the live process count.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.table)
}

// SeedFromProc walks /proc once at startup so processes that exec'd
// before attach are still sampled. Seeded records carry no argv and are
// classified on comm alone.
func (w *Watcher) SeedFromProc(conv *clock.Converter) {
	entries, err := os.ReadDir(w.procRoot)
	if err != nil {
		return
	}
	for _, entry := range entries {
		pid64, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		pid := uint32(pid64)
		comm, startNS, ppid, ok := w.readProcIdentity(pid, conv)
		if !ok {
			continue
		}
		upid := clock.UPID(pid, startNS)

		proc := &Process{
			PID:         pid,
			PPID:        ppid,
			UPID:        upid,
			StartTimeNS: startNS,
			Comm:        comm,
			FirstSeenNS: startNS,
			LastSeenNS:  startNS,
			ContainerID: w.containerID(pid),
		}

		w.mu.Lock()
		if _, exists := w.byPID[pid]; !exists {
			w.byPID[pid] = upid
			w.table[upid] = proc
			if w.catalog != nil {
				if rule := w.catalog.Match(comm, nil, nil); rule != nil {
					proc.ToolName = rule.Name
				}
			}
		}
		w.mu.Unlock()
	}
}

// readProcIdentity parses comm, start time, and ppid from /proc/<pid>/stat.
func (w *Watcher) readProcIdentity(pid uint32, conv *clock.Converter) (string, uint64, uint32, bool) {
	data, err := os.ReadFile(filepath.Join(w.procRoot, strconv.FormatUint(uint64(pid), 10), "stat"))
	if err != nil {
		return "", 0, 0, false
	}
	s := string(data)
	commStart := strings.Index(s, "(")
	commEnd := strings.LastIndex(s, ")")
	if commStart < 0 || commEnd < 0 || commEnd < commStart {
		return "", 0, 0, false
	}
	comm := s[commStart+1 : commEnd]
	rest := strings.Fields(s[commEnd+2:])
	// rest[1]=ppid, rest[19]=starttime (clock ticks since boot)
	if len(rest) < 20 {
		return "", 0, 0, false
	}
	ppid64, _ := strconv.ParseUint(rest[1], 10, 32)
	ticks, _ := strconv.ParseUint(rest[19], 10, 64)
	startNS := ticks * (1e9 / 100) // USER_HZ is 100 on every supported arch
	if conv != nil {
		startNS = conv.WallNS(startNS)
	}
	return comm, startNS, uint32(ppid64), true
}

// containerID reads /proc/<pid>/cgroup and extracts a container ID from
// the cgroup path, when present.
func (w *Watcher) containerID(pid uint32) string {
	data, err := os.ReadFile(filepath.Join(w.procRoot, strconv.FormatUint(uint64(pid), 10), "cgroup"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		if id := extractContainerID(parts[2]); id != "" {
			return id
		}
	}
	return ""
}

// extractContainerID pulls a 64-char hex container ID out of a cgroup
// path. Docker scope units and kubepods layouts are both handled.
func extractContainerID(cgroupPath string) string {
	parts := strings.Split(cgroupPath, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		part := parts[i]
		if len(part) == 64 && isHex(part) {
			return part
		}
		if strings.HasPrefix(part, "docker-") && strings.HasSuffix(part, ".scope") {
			id := strings.TrimPrefix(part, "docker-")
			id = strings.TrimSuffix(id, ".scope")
			if len(id) == 64 && isHex(id) {
				return id
			}
		}
	}
	return ""
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// exitReasonFor folds the exit payload and the OOM mark into one cause.
func exitReasonFor(proc *Process, payload any) model.ExitReason {
	p, _ := payload.(*model.ExitPayload)
	if p == nil {
		if proc.OomMarked {
			return model.ExitReason{Kind: model.ExitOomKilled}
		}
		return model.ExitReason{Kind: model.ExitUnknown}
	}
	if proc.OomMarked && p.Signal == 9 {
		return model.ExitReason{Kind: model.ExitOomKilled}
	}
	if p.Signal != 0 {
		return model.ExitReason{Kind: model.ExitSignal, Value: p.Signal}
	}
	return model.ExitReason{Kind: model.ExitCode, Value: p.Code}
}

func filterEnv(env []string) []string {
	var out []string
	for _, kv := range env {
		for _, prefix := range envSubsetPrefixes {
			if strings.HasPrefix(kv, prefix) {
				out = append(out, kv)
				break
			}
		}
	}
	return out
}
