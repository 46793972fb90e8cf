package model

import "time"

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "Running"
	RunCompleted RunStatus = "Completed"
	RunFailed    RunStatus = "Failed"
	RunUnknown   RunStatus = "Unknown"
)

// Run is the rolling state for one (trace_id, run_id) pipeline execution.
// Owned by the aggregator task; other stages see finalized row copies only.
type Run struct {
	TraceID      string    `json:"trace_id"`
	RunID        string    `json:"run_id"`
	RunName      string    `json:"run_name"`
	PipelineName string    `json:"pipeline_name"`
	Status       RunStatus `json:"status"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	MaxRAM        uint64  `json:"max_ram"`
	AvgRAM        float64 `json:"avg_ram"`
	MaxRAMPct     float64 `json:"max_ram_percent"`
	AvgRAMPct     float64 `json:"avg_ram_percent"`
	MaxCPU        float64 `json:"max_cpu"`
	SystemRAM     uint64  `json:"system_ram_total"`
	SystemCores   int     `json:"system_cpu_cores"`
	SystemDisk    uint64  `json:"system_disk_total"`
	EC2CostPerHr  float64 `json:"ec2_cost_per_hour"`
	TotalCost     float64 `json:"total_cost"`
	MetricsEvents uint64  `json:"system_metrics_events_count"`
	TotalDatasets uint64  `json:"total_datasets"`

	ExitCode         int32          `json:"exit_code"`
	ExitReasons      string         `json:"exit_reasons"`
	ExitExplanations string         `json:"exit_explanations"`
	Tags             map[string]any `json:"tags,omitempty"`
}

// TotalRuntimeSec reports elapsed wall time; for running rows the caller
// passes the current time as now.
func (r *Run) TotalRuntimeSec(now time.Time) float64 {
	end := now
	if r.EndTime != nil {
		end = *r.EndTime
	}
	return end.Sub(r.StartTime).Seconds()
}

// ToolAggregation is the rolling per-(pipeline, run, tool) summary.
type ToolAggregation struct {
	PipelineName string `json:"pipeline_name"`
	RunName      string `json:"run_name"`
	ToolName     string `json:"tool_name"`
	ToolCmd      string `json:"tool_cmd"`

	TimesCalled uint64 `json:"times_called"`

	MaxCPU  float64 `json:"max_cpu"`
	AvgCPU  float64 `json:"avg_cpu"`
	MaxMem  uint64  `json:"max_mem"`
	AvgMem  float64 `json:"avg_mem"`
	MaxDisk uint64  `json:"max_disk"`
	AvgDisk float64 `json:"avg_disk"`

	TotalRuntimeSec float64   `json:"total_runtime_sec"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`

	// Deduplicated, comma-joined human-readable reasons.
	ExitReasons string `json:"exit_reasons"`
}

// ReasonSet collects exit reasons in arrival order, deduplicated on the
// full reason string (reasons may themselves contain commas, so the
// joined form cannot be re-split for dedup).
type ReasonSet struct {
	order []string
	seen  map[string]bool
}

// Add records a reason once. Empty strings are ignored.
func (s *ReasonSet) Add(reason string) {
	if reason == "" || s.seen[reason] {
		return
	}
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	s.seen[reason] = true
	s.order = append(s.order, reason)
}

// Joined returns the comma-joined reasons.
func (s *ReasonSet) Joined() string {
	out := ""
	for i, r := range s.order {
		if i > 0 {
			out += ", "
		}
		out += r
	}
	return out
}
