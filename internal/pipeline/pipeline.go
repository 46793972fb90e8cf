// Package pipeline wires the four long-lived loops — reassembler,
// metrics sampler, aggregator, exporter — over bounded channels and owns
// shutdown ordering: producers stop first, the aggregator drains, the
// exporter flushes last.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tracer-Cloud/tracer-client/internal/aggregator"
	"github.com/Tracer-Cloud/tracer-client/internal/catalog"
	"github.com/Tracer-Cloud/tracer-client/internal/clock"
	"github.com/Tracer-Cloud/tracer-client/internal/ebpf"
	"github.com/Tracer-Cloud/tracer-client/internal/exporter"
	"github.com/Tracer-Cloud/tracer-client/internal/filter"
	"github.com/Tracer-Cloud/tracer-client/internal/metrics"
	"github.com/Tracer-Cloud/tracer-client/internal/model"
	"github.com/Tracer-Cloud/tracer-client/internal/payload"
	"github.com/Tracer-Cloud/tracer-client/internal/sampler"
	"github.com/Tracer-Cloud/tracer-client/internal/watcher"
)

// eventQueueSize bounds the synthetic-event channel between the
// watcher/sampler and the aggregator.
const eventQueueSize = 1024

// Config assembles the daemon's tunables.
type Config struct {
	ProcRoot        string
	CatalogPath     string
	DatasetPrefixes []string
	BlacklistExtra  []string

	SinkURL string
	APIKey  string

	SampleInterval time.Duration
	BPFObjectPath  string
	Debug          bool

	// EC2CostPerHour is recorded by `tracer init`; pricing lookups
	// themselves happen outside the agent.
	EC2CostPerHour float64
}

// Pipeline owns every stage of the running agent.
type Pipeline struct {
	cfg      Config
	identity model.RunIdentity
	log      *zap.Logger

	probe  *ebpf.Probe
	conv   *clock.Converter
	ids    *model.EventIDGenerator
	filter *filter.Filter
	procs  *watcher.Watcher
	smp    *sampler.Sampler
	agg    *aggregator.Aggregator
	exp    *exporter.Exporter
	reasm  *payload.Reassembler

	events chan model.Event

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds and attaches the whole pipeline. Probe or catalog failures
// are fatal and returned to the caller for a startup diagnostic.
func New(cfg Config, identity model.RunIdentity, log *zap.Logger) (*Pipeline, error) {
	conv, err := clock.NewConverter()
	if err != nil {
		return nil, fmt.Errorf("clock: %w", err)
	}

	var cat *catalog.Catalog
	if cfg.CatalogPath != "" {
		cat, err = catalog.Load(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
	}

	probe, err := ebpf.Load(cfg.BPFObjectPath, conv.OffsetNS(), cfg.Debug, log)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:        cfg,
		identity:   identity,
		log:        log.Named("pipeline"),
		probe:      probe,
		conv:       conv,
		ids:        model.NewEventIDGenerator(),
		shutdownCh: make(chan struct{}),
		events:     make(chan model.Event, eventQueueSize),
	}

	patterns := append(append([]string{}, filter.DefaultPatterns...), cfg.BlacklistExtra...)
	p.filter = filter.New(patterns, cfg.ProcRoot)
	p.filter.BlacklistSelf(uint32(os.Getpid()))
	p.filter.SetMirror(probe)

	p.exp = exporter.New(exporter.Config{SinkURL: cfg.SinkURL, APIKey: cfg.APIKey}, log)
	p.agg = aggregator.New(identity, p.exp.Submit, log)
	p.procs = watcher.New(cat, cfg.DatasetPrefixes, p.ids, p.emit, cfg.ProcRoot, log)
	p.smp = sampler.New(p.procs, p.ids, p.emit, cfg.ProcRoot, cfg.SampleInterval, log)
	p.reasm = payload.New(probe.Entries(), p.filter, p.ids, conv, log)
	p.reasm.SetConsumedSink(probe)

	return p, nil
}

// emit forwards a synthetic event to the aggregator channel without
// blocking; a full channel drops and counts.
func (p *Pipeline) emit(ev *model.Event) {
	select {
	case p.events <- *ev:
	default:
		metrics.EventQueueDrops.Inc()
	}
}

// Shutdown requests a graceful stop. Idempotent; observable by every
// loop within one poll timeout.
func (p *Pipeline) Shutdown() {
	p.shutdownOnce.Do(func() { close(p.shutdownCh) })
}

// Run starts every loop and blocks until shutdown (or ctx cancellation),
// then drains: producers stop, the aggregator consumes what is queued,
// a pipeline_terminated event closes the run, and the exporter flushes.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.probe.Close()

	// Seed the table so pre-attach processes are sampled, then open
	// the run.
	p.procs.SeedFromProc(p.conv)
	p.injectNewRun()

	prodCtx, stopProducers := context.WithCancel(context.Background())
	defer stopProducers()
	expCtx, stopExporter := context.WithCancel(context.Background())
	defer stopExporter()
	aggCtx, stopAggregator := context.WithCancel(context.Background())
	defer stopAggregator()

	var producers, drainers, consumers sync.WaitGroup

	producers.Add(1)
	go func() {
		defer producers.Done()
		if err := p.reasm.Run(prodCtx, p.probe.Reader(), p.handleKernelEvent); err != nil {
			p.log.Error("reassembler stopped", zap.Error(err))
		}
	}()

	producers.Add(1)
	go func() {
		defer producers.Done()
		p.smp.Run(prodCtx, p.probe.Drops)
	}()

	drainers.Add(1)
	go func() {
		defer drainers.Done()
		for ev := range p.events {
			p.agg.HandleEvent(&ev)
		}
	}()

	consumers.Add(1)
	go func() {
		defer consumers.Done()
		p.agg.Run(aggCtx)
	}()

	consumers.Add(1)
	go func() {
		defer consumers.Done()
		p.exp.Run(expCtx)
	}()

	select {
	case <-ctx.Done():
	case <-p.shutdownCh:
	}
	p.log.Info("shutting down")

	stopProducers()
	producers.Wait()
	close(p.events)
	drainers.Wait()
	stopAggregator()

	// Close the run before the exporter flushes its final batches.
	p.agg.HandleEvent(&model.Event{
		ID:          p.ids.Next(),
		Type:        model.EventPipelineTerminated,
		TimestampNS: uint64(time.Now().UnixNano()),
	})

	stopExporter()
	consumers.Wait()
	return nil
}

// handleKernelEvent runs inside the reassembler callback: bounded
// CPU-only work, no suspension. The watcher copies everything it keeps
// before the payload slot is reused.
func (p *Pipeline) handleKernelEvent(ev *model.Event) {
	p.procs.HandleEvent(ev)
}

// injectNewRun opens the run with this host's resource attributes.
func (p *Pipeline) injectNewRun() {
	attrs := HostResourceAttributes(p.cfg.ProcRoot)
	attrs["ec2_cost_per_hour"] = p.cfg.EC2CostPerHour
	p.agg.HandleEvent(&model.Event{
		ID:          p.ids.Next(),
		Type:        model.EventNewRun,
		TimestampNS: uint64(time.Now().UnixNano()),
		Payload:     attrs,
	})
}

// Aggregator exposes run/tool snapshots for status surfaces.
func (p *Pipeline) Aggregator() *aggregator.Aggregator { return p.agg }

// Watcher exposes the live process table size for status surfaces.
func (p *Pipeline) Watcher() *watcher.Watcher { return p.procs }

// ExporterQueueLen reports the sink queue depth.
func (p *Pipeline) ExporterQueueLen() int { return p.exp.QueueLen() }
