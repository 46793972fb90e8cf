// Package model defines the event, run, and aggregation types shared by
// every pipeline stage. Kernel-side records are mirrored here field for
// field; user-side records (metric samples, run lifecycle markers) use the
// same shapes so downstream stages are agnostic to the source.
package model

import "fmt"

// EventType tags every event flowing through the pipeline. Kernel types
// (Exec..OomMarkVictim) are produced by the probe; the rest are synthesized
// in user space.
type EventType uint32

const (
	EventUnknown EventType = iota
	EventExec
	EventExit
	EventOpenatEnter
	EventOpenatExit
	EventReadEnter
	EventWriteEnter
	EventDirectReclaimBegin
	EventOomMarkVictim

	// User-side synthetic types.
	EventMetric
	EventNewRun
	EventPipelineTerminated
	EventDatasetOpened
	EventToolExecution
	EventToolMetric
	EventFinishedToolExecution
)

var eventTypeNames = map[EventType]string{
	EventUnknown:               "unknown",
	EventExec:                  "sched_process_exec",
	EventExit:                  "sched_process_exit",
	EventOpenatEnter:           "sys_enter_openat",
	EventOpenatExit:            "sys_exit_openat",
	EventReadEnter:             "sys_enter_read",
	EventWriteEnter:            "sys_enter_write",
	EventDirectReclaimBegin:    "vmscan_direct_reclaim_begin",
	EventOomMarkVictim:         "oom_mark_victim",
	EventMetric:                "metric_event",
	EventNewRun:                "new_run",
	EventPipelineTerminated:    "pipeline_terminated",
	EventDatasetOpened:         "dataset_opened",
	EventToolExecution:         "tool_execution",
	EventToolMetric:            "tool_metric_event",
	EventFinishedToolExecution: "finished_tool_execution",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("event_type(%d)", uint32(t))
}

// Kernel reports whether the type is produced by the in-kernel probe.
func (t EventType) Kernel() bool {
	return t >= EventExec && t <= EventOomMarkVictim
}

// Field is a materialized dynamic payload field. A field that failed
// bounds checks during reassembly has Len == 0 and Data == nil; the
// event still ships.
type Field struct {
	Len  uint32
	Data []byte
}

func (f Field) String() string { return string(f.Data) }

// Empty reports whether the field carries no bytes.
func (f Field) Empty() bool { return f.Len == 0 }

// Event is a fully materialized record: header identity plus a typed
// payload. Payload holds one of the *Payload structs below, selected by
// Type; integer-tag dispatch keeps the hot path free of type switches
// over interfaces.
type Event struct {
	ID          uint64
	Type        EventType
	TimestampNS uint64
	PID         uint32
	PPID        uint32
	UPID        uint64
	UPPID       uint64
	Comm        string
	Payload     any
}

// ExecPayload carries sched_process_exec data. Argv and env entries are
// NUL-separated in the raw fields.
type ExecPayload struct {
	StartTimeNS uint64
	FileName    Field
	Argv        Field
	Env         Field
}

// Args splits the argv field on NUL separators.
func (p *ExecPayload) Args() []string { return splitNUL(p.Argv.Data) }

// Environ splits the env field on NUL separators.
func (p *ExecPayload) Environ() []string { return splitNUL(p.Env.Data) }

// ExitPayload carries sched_process_exit data. Code is the exit status
// (bits 8..15 of the task exit_code word); Signal is the terminating
// signal number, nonzero when the task died on a signal.
type ExitPayload struct {
	Code   int32
	Signal int32
}

// OpenatPayload carries sys_enter_openat data.
type OpenatPayload struct {
	Flags    int32
	Mode     uint32
	FileName Field
}

// OpenatExitPayload carries the matched sys_exit_openat return value.
type OpenatExitPayload struct {
	Ret int64
}

// RWPayload carries sys_enter_read / sys_enter_write data.
type RWPayload struct {
	FD    int32
	Count uint64
}

// ReclaimPayload carries vmscan_direct_reclaim_begin data.
type ReclaimPayload struct {
	Order    int32
	GfpFlags uint32
}

// OomPayload carries oom_mark_victim data.
type OomPayload struct {
	TotalVMKB uint64
	AnonRSSKB uint64
}

// MetricPayload is the synthetic per-process sample emitted by the
// sampler. It mirrors kernel payload shape so the aggregator never
// branches on source.
type MetricPayload struct {
	CPUUsage        float64
	MemUsed         uint64
	DiskReadBytes   uint64
	DiskWriteBytes  uint64
	SystemRAMTotal  uint64
	SystemCPUCores  int
	SystemDiskTotal uint64
}

func splitNUL(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			if i > start {
				out = append(out, string(b[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(b) {
		out = append(out, string(b[start:]))
	}
	return out
}
