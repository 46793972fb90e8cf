// Package aggregator folds the event stream into run and tool
// aggregations and hands finalized sink records to the exporter. The run
// and tool maps are single-owner: only the aggregator task touches them;
// other tasks read through snapshot copies.
package aggregator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tracer-Cloud/tracer-client/internal/model"
)

// InactivityTimeout closes a running run when no sample arrived for this
// long (the Running→Completed transition allowed by the exit contract).
const InactivityTimeout = 30 * time.Second

// flushInterval drives the inactivity check.
const flushInterval = time.Second

// Submit hands one finalized record to the exporter. An error means
// backpressure; the aggregator drops and counts.
type Submit func(rec model.Record) error

// toolKey identifies one tool aggregation.
type toolKey struct {
	pipeline string
	run      string
	tool     string
}

// toolState wraps the exported row with the internal sample counters the
// running means need.
type toolState struct {
	row     model.ToolAggregation
	samples uint64
	reasons model.ReasonSet
}

// Aggregator is the run & aggregation engine.
type Aggregator struct {
	mu sync.Mutex

	identity model.RunIdentity
	run      *model.Run
	tools    map[toolKey]*toolState

	runReasons      model.ReasonSet
	runExplanations model.ReasonSet

	lastSampleAt time.Time

	submit Submit
	log    *zap.Logger

	// throttle transient submit warnings to one per minute
	lastSubmitWarn time.Time
}

// New builds an Aggregator that stamps records with the given identity.
func New(identity model.RunIdentity, submit Submit, log *zap.Logger) *Aggregator {
	return &Aggregator{
		identity: identity,
		tools:    make(map[toolKey]*toolState),
		submit:   submit,
		log:      log.Named("aggregator"),
	}
}

// Run drives the inactivity flush until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.checkInactivity(now)
		}
	}
}

// HandleEvent dispatches one inbound event by process status.
func (a *Aggregator) HandleEvent(ev *model.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Type {
	case model.EventNewRun:
		a.handleNewRun(ev)
	case model.EventMetric:
		a.handleMetric(ev)
	case model.EventDatasetOpened:
		a.handleDataset(ev)
	case model.EventToolExecution:
		a.handleToolExecution(ev)
	case model.EventToolMetric:
		a.handleToolMetric(ev)
	case model.EventFinishedToolExecution:
		a.handleFinishedTool(ev)
	case model.EventPipelineTerminated:
		a.handleTerminated(ev)
	}
}

func (a *Aggregator) handleNewRun(ev *model.Event) {
	attrs, _ := ev.Payload.(map[string]any)
	if a.run == nil {
		a.run = &model.Run{
			TraceID:      a.identity.TraceID,
			RunID:        a.identity.RunID,
			RunName:      a.identity.RunName,
			PipelineName: a.identity.PipelineName,
			Status:       model.RunRunning,
			StartTime:    nsTime(ev.TimestampNS),
		}
	}
	a.run.EC2CostPerHr = attrFloat(attrs, "ec2_cost_per_hour")
	a.run.SystemRAM = attrUint(attrs, "system_ram_total")
	a.run.SystemCores = int(attrUint(attrs, "system_cpu_cores"))
	a.run.SystemDisk = attrUint(attrs, "system_disk_total")

	cost := a.run.EC2CostPerHr
	rec := a.record(ev)
	rec.EC2CostPerHour = &cost
	rec.ResourceAttributes = map[string]any{
		"system_ram_total":  a.run.SystemRAM,
		"system_cpu_cores":  a.run.SystemCores,
		"system_disk_total": a.run.SystemDisk,
	}
	a.ship(rec)
}

func (a *Aggregator) handleMetric(ev *model.Event) {
	m, _ := ev.Payload.(*model.MetricPayload)
	if m == nil {
		return
	}
	ts := nsTime(ev.TimestampNS)
	a.lastSampleAt = ts

	if r := a.run; r != nil && r.Status == model.RunRunning {
		r.EndTime = &ts
		n := float64(r.MetricsEvents)
		r.MetricsEvents++
		if m.MemUsed > r.MaxRAM {
			r.MaxRAM = m.MemUsed
		}
		if m.CPUUsage > r.MaxCPU {
			r.MaxCPU = m.CPUUsage
		}
		r.AvgRAM = (r.AvgRAM*n + float64(m.MemUsed)) / (n + 1)
		if r.SystemRAM == 0 && m.SystemRAMTotal > 0 {
			r.SystemRAM = m.SystemRAMTotal
		}
		if r.SystemRAM > 0 {
			r.MaxRAMPct = float64(r.MaxRAM) / float64(r.SystemRAM) * 100
			r.AvgRAMPct = r.AvgRAM / float64(r.SystemRAM) * 100
		}
		r.TotalCost = ts.Sub(r.StartTime).Hours() * r.EC2CostPerHr
	}

	rec := a.record(ev)
	cpu := m.CPUUsage
	mem := m.MemUsed
	rec.CPUUsage = &cpu
	rec.MemUsed = &mem
	rec.Attributes = map[string]any{
		"disk_read":  m.DiskReadBytes,
		"disk_write": m.DiskWriteBytes,
	}
	rec.ResourceAttributes = map[string]any{
		"system_ram_total": m.SystemRAMTotal,
		"system_cpu_cores": m.SystemCPUCores,
	}
	a.ship(rec)
}

func (a *Aggregator) handleDataset(ev *model.Event) {
	attrs, _ := ev.Payload.(map[string]any)
	if a.run != nil {
		a.run.TotalDatasets++
	}
	rec := a.record(ev)
	if attrs != nil {
		if path, ok := attrs["dataset.path"].(string); ok {
			rec.ProcessedDataset = &path
		}
		rec.Attributes = attrs
	}
	a.ship(rec)
}

func (a *Aggregator) handleToolExecution(ev *model.Event) {
	attrs, _ := ev.Payload.(map[string]any)
	name := attrString(attrs, "tool.name")
	if name == "" {
		return
	}
	ts := nsTime(ev.TimestampNS)

	st := a.tool(name)
	if st.row.TimesCalled == 0 {
		// tool_cmd is set on insert only
		st.row.ToolCmd = attrString(attrs, "tool.cmd")
		st.row.FirstSeen = ts
		st.row.LastSeen = ts
	}
	st.row.TimesCalled++
	if ts.Before(st.row.FirstSeen) {
		st.row.FirstSeen = ts
	}
	if ts.After(st.row.LastSeen) {
		st.row.LastSeen = ts
	}
	st.row.TotalRuntimeSec = st.row.LastSeen.Sub(st.row.FirstSeen).Seconds()

	rec := a.record(ev)
	rec.Attributes = attrs
	a.ship(rec)
}

func (a *Aggregator) handleToolMetric(ev *model.Event) {
	attrs, _ := ev.Payload.(map[string]any)
	name := attrString(attrs, "tool.name")
	if name == "" {
		return
	}
	ts := nsTime(ev.TimestampNS)
	st := a.tool(name)

	cpu := attrFloat(attrs, "cpu_usage")
	mem := attrUint(attrs, "mem_used")
	disk := attrUint(attrs, "disk_read") + attrUint(attrs, "disk_write")

	n := float64(st.samples)
	st.samples++
	if cpu > st.row.MaxCPU {
		st.row.MaxCPU = cpu
	}
	if mem > st.row.MaxMem {
		st.row.MaxMem = mem
	}
	if disk > st.row.MaxDisk {
		st.row.MaxDisk = disk
	}
	st.row.AvgCPU = (st.row.AvgCPU*n + cpu) / (n + 1)
	st.row.AvgMem = (st.row.AvgMem*n + float64(mem)) / (n + 1)
	st.row.AvgDisk = (st.row.AvgDisk*n + float64(disk)) / (n + 1)
	if ts.After(st.row.LastSeen) {
		st.row.LastSeen = ts
		st.row.TotalRuntimeSec = st.row.LastSeen.Sub(st.row.FirstSeen).Seconds()
	}

	rec := a.record(ev)
	rec.CPUUsage = &cpu
	rec.MemUsed = &mem
	rec.Attributes = attrs
	a.ship(rec)
}

func (a *Aggregator) handleFinishedTool(ev *model.Event) {
	attrs, _ := ev.Payload.(map[string]any)
	name := attrString(attrs, "tool.name")
	ts := nsTime(ev.TimestampNS)

	reason := model.ParseExitReason(attrs)
	code := model.FoldExitCode(reason)

	if name != "" {
		st := a.tool(name)
		st.reasons.Add(reason.Human())
		st.row.ExitReasons = st.reasons.Joined()
		if ts.After(st.row.LastSeen) {
			st.row.LastSeen = ts
			st.row.TotalRuntimeSec = st.row.LastSeen.Sub(st.row.FirstSeen).Seconds()
		}
	}

	if r := a.run; r != nil {
		// run exit code folds to the maximum of normalized codes
		if code > r.ExitCode {
			r.ExitCode = code
		}
		a.runReasons.Add(reason.Human())
		r.ExitReasons = a.runReasons.Joined()
		expl := attrString(attrs, "completed_process.exit_explanation")
		if expl == "" {
			expl = attrString(attrs, "process.exit_explanation")
		}
		if expl != "" {
			a.runExplanations.Add(expl)
			r.ExitExplanations = a.runExplanations.Joined()
		}
		if r.ExitCode > 0 {
			r.Status = model.RunFailed
		}
	}

	rec := a.record(ev)
	rec.Attributes = attrs
	a.ship(rec)
}

func (a *Aggregator) handleTerminated(ev *model.Event) {
	ts := nsTime(ev.TimestampNS)
	if r := a.run; r != nil {
		r.EndTime = &ts
		if r.ExitCode > 0 {
			r.Status = model.RunFailed
		} else {
			r.Status = model.RunCompleted
		}
	}
	a.ship(a.record(ev))
}

// checkInactivity closes a running run once samples stop arriving.
func (a *Aggregator) checkInactivity(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.run
	if r == nil || r.Status != model.RunRunning || a.lastSampleAt.IsZero() {
		return
	}
	if now.Sub(a.lastSampleAt) <= InactivityTimeout {
		return
	}
	end := a.lastSampleAt
	r.EndTime = &end
	if r.ExitCode > 0 {
		r.Status = model.RunFailed
	} else {
		r.Status = model.RunCompleted
	}
	a.log.Info("run closed by inactivity",
		zap.String("run_id", r.RunID),
		zap.Time("last_sample", a.lastSampleAt))
}

// tool returns (inserting if absent) the aggregation for the current
// run's tool name.
func (a *Aggregator) tool(name string) *toolState {
	key := toolKey{pipeline: a.identity.PipelineName, run: a.identity.RunName, tool: name}
	st, ok := a.tools[key]
	if !ok {
		st = &toolState{row: model.ToolAggregation{
			PipelineName: key.pipeline,
			RunName:      key.run,
			ToolName:     key.tool,
		}}
		a.tools[key] = st
	}
	return st
}

// record builds the base sink record for an event.
func (a *Aggregator) record(ev *model.Event) model.Record {
	rec := model.Record{
		EventID:       ev.ID,
		Timestamp:     nsTime(ev.TimestampNS),
		ProcessStatus: ev.Type.String(),
	}
	a.identity.Stamp(&rec)
	return rec
}

func (a *Aggregator) ship(rec model.Record) {
	if rec.Attributes == nil {
		rec.Attributes = map[string]any{}
	}
	if rec.ResourceAttributes == nil {
		rec.ResourceAttributes = map[string]any{}
	}
	if rec.Tags == nil {
		rec.Tags = map[string]any{}
	}
	if err := a.submit(rec); err != nil {
		now := time.Now()
		if now.Sub(a.lastSubmitWarn) > time.Minute {
			a.lastSubmitWarn = now
			a.log.Warn("record dropped under backpressure", zap.Error(err))
		}
	}
}

// RunSnapshot returns a copy of the current run row, or nil before the
// first new_run event.
func (a *Aggregator) RunSnapshot() *model.Run {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.run == nil {
		return nil
	}
	cp := *a.run
	if a.run.EndTime != nil {
		end := *a.run.EndTime
		cp.EndTime = &end
	}
	return &cp
}

// ToolSnapshots returns copies of all tool aggregation rows.
func (a *Aggregator) ToolSnapshots() []model.ToolAggregation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.ToolAggregation, 0, len(a.tools))
	for _, st := range a.tools {
		out = append(out, st.row)
	}
	return out
}

func nsTime(ns uint64) time.Time {
	return time.Unix(0, int64(ns)).UTC()
}

func attrString(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	if v, ok := attrs[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

func attrFloat(attrs map[string]any, key string) float64 {
	if attrs == nil {
		return 0
	}
	switch v := attrs[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

func attrUint(attrs map[string]any, key string) uint64 {
	if attrs == nil {
		return 0
	}
	switch v := attrs[key].(type) {
	case uint64:
		return v
	case int:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case int64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case float64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case string:
		n, _ := strconv.ParseUint(v, 10, 64)
		return n
	default:
		return 0
	}
}
