package model

import "time"

// Record is one sink row, serialized as line-delimited JSON and POSTed in
// batches. event_id is the sink-side dedup key; delivery is at-least-once.
type Record struct {
	EventID            uint64         `json:"event_id"`
	Timestamp          time.Time      `json:"timestamp"`
	TraceID            string         `json:"trace_id"`
	RunID              string         `json:"run_id"`
	RunName            string         `json:"run_name"`
	PipelineName       string         `json:"pipeline_name"`
	PipelineType       string         `json:"pipeline_type"`
	Environment        string         `json:"environment"`
	UserOperator       string         `json:"user_operator"`
	ProcessStatus      string         `json:"process_status"`
	EC2CostPerHour     *float64       `json:"ec2_cost_per_hour,omitempty"`
	CPUUsage           *float64       `json:"cpu_usage,omitempty"`
	MemUsed            *uint64        `json:"mem_used,omitempty"`
	ProcessedDataset   *string        `json:"processed_dataset,omitempty"`
	Attributes         map[string]any `json:"attributes"`
	ResourceAttributes map[string]any `json:"resource_attributes"`
	Tags               map[string]any `json:"tags"`
}

// RunIdentity names a pipeline execution. Written by `tracer init`,
// stamped onto every record the daemon ships.
type RunIdentity struct {
	TraceID      string `json:"trace_id"`
	RunID        string `json:"run_id"`
	RunName      string `json:"run_name"`
	PipelineName string `json:"pipeline_name"`
	PipelineType string `json:"pipeline_type"`
	Environment  string `json:"environment"`
	UserOperator string `json:"user_operator"`
}

// Stamp fills the identity columns of a record in place.
func (id RunIdentity) Stamp(r *Record) {
	r.TraceID = id.TraceID
	r.RunID = id.RunID
	r.RunName = id.RunName
	r.PipelineName = id.PipelineName
	r.PipelineType = id.PipelineType
	r.Environment = id.Environment
	r.UserOperator = id.UserOperator
}
