// Package filter classifies processes against a blacklist of names and
// ancestry rules, dropping noise before payload reassembly. A small
// sorted subset of blacklisted PIDs is mirrored into a kernel-side map
// for even earlier rejection.
package filter

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Tracer-Cloud/tracer-client/internal/model"
)

// DefaultPatterns is the curated noise list: development tools, shells,
// the tracer itself, and common daemons. Matching is case-insensitive
// substring against comm and /proc/<pid>/cmdline.
// Patterns stay ≥3 chars and specific: a pattern like "ls" or "top"
// would swallow real tools ("samtools" contains both).
var DefaultPatterns = []string{
	"tracer",
	"bash", "zsh", "fish",
	"git", "ssh",
	"vim", "emacs", "nano",
	"tmux", "screen",
	"systemd", "journald", "dbus",
	"cron",
	"htop", "grep", "gawk",
}

// KernelMirrorSize is the capacity of the kernel-side blacklist map.
const KernelMirrorSize = 32

// PIDMirror receives the sorted blacklist subset. Implemented by the
// ebpf config map; tests use a recording fake.
type PIDMirror interface {
	UpdateBlacklist(pids []uint32) error
}

// Filter holds per-PID classification state. Safe for concurrent use;
// exec and exit invalidation happen inside ShouldSkip as headers arrive.
type Filter struct {
	mu       sync.Mutex
	patterns []string
	procRoot string

	blacklisted map[uint32]bool // pid → decision, cached until exec/exit
	classified  map[uint32]bool

	mirror     PIDMirror
	lastMirror []uint32
}

// New builds a Filter over the given patterns. An empty pattern list
// falls back to DefaultPatterns.
func New(patterns []string, procRoot string) *Filter {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &Filter{
		patterns:    lowered,
		procRoot:    procRoot,
		blacklisted: make(map[uint32]bool),
		classified:  make(map[uint32]bool),
	}
}

// SetMirror attaches the kernel-side blacklist map.
func (f *Filter) SetMirror(m PIDMirror) {
	f.mu.Lock()
	f.mirror = m
	f.mu.Unlock()
}

// ShouldSkip reports whether the header's PID or PPID is currently
// blacklisted, classifying on first observation. Exec headers invalidate
// the PID's prior classification (PID reuse); exit headers remove it.
func (f *Filter) ShouldSkip(h *model.KernelHeader) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch h.Type() {
	case model.EventExec:
		// Rebrand: classify against the fresh comm.
		delete(f.classified, h.Pid)
		delete(f.blacklisted, h.Pid)
	case model.EventExit:
		skip := f.classifyLocked(h.Pid, h.CommString()) || f.blacklisted[h.Ppid]
		delete(f.classified, h.Pid)
		delete(f.blacklisted, h.Pid)
		f.syncMirrorLocked()
		return skip
	}

	skip := f.classifyLocked(h.Pid, h.CommString()) || f.blacklisted[h.Ppid]
	f.syncMirrorLocked()
	return skip
}

// Blacklisted reports the current decision for a PID without
// reclassifying.
func (f *Filter) Blacklisted(pid uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blacklisted[pid]
}

// BlacklistSelf force-blacklists a PID (used for the agent's own PID so
// the tracer never traces itself).
func (f *Filter) BlacklistSelf(pid uint32) {
	f.mu.Lock()
	f.classified[pid] = true
	f.blacklisted[pid] = true
	f.syncMirrorLocked()
	f.mu.Unlock()
}

func (f *Filter) classifyLocked(pid uint32, comm string) bool {
	if f.classified[pid] {
		return f.blacklisted[pid]
	}
	f.classified[pid] = true

	verdict := f.matches(comm)
	if !verdict {
		if cmdline := f.readCmdline(pid); cmdline != "" {
			verdict = f.matches(cmdline)
		}
	}
	f.blacklisted[pid] = verdict
	return verdict
}

func (f *Filter) matches(s string) bool {
	s = strings.ToLower(s)
	for _, p := range f.patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func (f *Filter) readCmdline(pid uint32) string {
	data, err := os.ReadFile(filepath.Join(f.procRoot, strconv.FormatUint(uint64(pid), 10), "cmdline"))
	if err != nil {
		return ""
	}
	return strings.ReplaceAll(string(data), "\x00", " ")
}

// syncMirrorLocked pushes the lowest 32 blacklisted PIDs, sorted
// ascending, into the kernel map — but only when the set changed.
func (f *Filter) syncMirrorLocked() {
	if f.mirror == nil {
		return
	}

	pids := make([]uint32, 0, len(f.blacklisted))
	for pid, bad := range f.blacklisted {
		if bad {
			pids = append(pids, pid)
		}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	if len(pids) > KernelMirrorSize {
		pids = pids[:KernelMirrorSize]
	}

	if equalPIDs(pids, f.lastMirror) {
		return
	}
	if err := f.mirror.UpdateBlacklist(pids); err == nil {
		f.lastMirror = append(f.lastMirror[:0], pids...)
	}
}

func equalPIDs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
