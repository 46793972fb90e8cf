// Package metrics holds the agent's stage counters. Every stage records
// drops, rejects, and retries here; readers use Snapshot. Values are
// per process: only the MCP server started by `tracer run --mcp` sees the
// daemon's counters, while `tracer info` and `tracer mcp` report those of
// their own process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Stage counters. Names follow the stage_noun convention so the sink
// dashboard can group them by prefix.
var (
	FilterSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracer_filter_skipped_total",
		Help: "Headers dropped by the user-space blacklist filter.",
	})
	ReassembledEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracer_reassembled_events_total",
		Help: "Events fully materialized from the ring buffer.",
	})
	TruncatedFields = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracer_truncated_fields_total",
		Help: "Dynamic fields zeroed after a bounds-check failure.",
	})
	KernelDrops = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracer_kernel_drops",
		Help: "Events dropped in-kernel due to consumer lag, summed over CPUs.",
	})
	QueueRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracer_queue_rejects_total",
		Help: "Submissions rejected by the exporter queue under backpressure.",
	})
	ExportRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracer_export_retries_total",
		Help: "Sink POST attempts beyond the first, per batch.",
	})
	DroppedBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracer_dropped_batches_total",
		Help: "Batches dropped after exhausting retries.",
	})
	ShippedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracer_shipped_events_total",
		Help: "Records acknowledged by the sink.",
	})
	SamplerTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracer_sampler_ticks_total",
		Help: "Completed metric sampling passes.",
	})
	EventQueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracer_event_queue_drops_total",
		Help: "Synthetic events dropped on a full aggregator channel.",
	})
)

// Registry holds all agent counters.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		FilterSkipped,
		ReassembledEvents,
		TruncatedFields,
		KernelDrops,
		QueueRejects,
		ExportRetries,
		DroppedBatches,
		ShippedEvents,
		SamplerTicks,
		EventQueueDrops,
	)
}

// Snapshot returns current counter values by metric name.
func Snapshot() map[string]float64 {
	out := make(map[string]float64)
	families, err := Registry.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			out[mf.GetName()] = metricValue(m)
		}
	}
	return out
}

func metricValue(m *dto.Metric) float64 {
	if c := m.GetCounter(); c != nil {
		return c.GetValue()
	}
	if g := m.GetGauge(); g != nil {
		return g.GetValue()
	}
	return 0
}
