package payload

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	"github.com/Tracer-Cloud/tracer-client/internal/clock"
	"github.com/Tracer-Cloud/tracer-client/internal/metrics"
	"github.com/Tracer-Cloud/tracer-client/internal/model"
)

// ErrOutOfWindow marks a descriptor that resolved outside the flushed
// payload window. The affected field is zeroed; the event still ships.
var ErrOutOfWindow = errors.New("descriptor outside flushed window")

// pollTimeout bounds each ring buffer read so shutdown is honored promptly.
const pollTimeout = 200 * time.Millisecond

// EntryReader reads one 64-byte entry of the shared payload array by
// global index. The real implementation wraps the kernel map; tests use
// an in-memory fake.
type EntryReader interface {
	ReadEntry(globalIndex uint32, dst []byte) error
}

// HeaderFilter decides drop/keep before reassembly.
type HeaderFilter interface {
	ShouldSkip(h *model.KernelHeader) bool
}

// RingReader is the subset of ringbuf.Reader the loop needs.
type RingReader interface {
	Read() (ringbuf.Record, error)
	SetDeadline(time.Time)
}

// ConsumedSink receives the running count of payload entries this
// consumer has drained per CPU, so the kernel's lag check can refuse to
// overwrite unread entries. Implemented by the probe's consumed map.
type ConsumedSink interface {
	ConfirmConsumed(cpu uint32, totalEntries uint64) error
}

// Callback receives each materialized event. The event's field data
// points into the reassembler's payload slot and is only valid until the
// callback returns; consumers must copy what they keep.
type Callback func(ev *model.Event)

// Reassembler drains kernel headers and materializes their payloads.
// Within one CPU, events are delivered in production order; across CPUs
// only timestamp order holds.
type Reassembler struct {
	entries EntryReader
	filter  HeaderFilter
	ids     *model.EventIDGenerator
	clock   *clock.Converter
	log     *zap.Logger

	// scratch receives the raw entry window; slot receives the
	// materialized field bytes handed to the callback. Both are reused
	// across events, so callbacks must copy what they keep.
	scratch []byte
	slot    []byte
	event   model.Event

	// consumed tracks drained payload entries per CPU; mirrored to the
	// kernel so its lag check stays honest. Filtered headers advance it
	// too — their entries were reserved regardless.
	consumed     map[uint32]uint64
	consumedSink ConsumedSink
}

// SetConsumedSink attaches the kernel-side consumed-cursor mirror.
func (r *Reassembler) SetConsumedSink(s ConsumedSink) { r.consumedSink = s }

// New builds a Reassembler with caller-owned collaborator stages.
func New(entries EntryReader, filter HeaderFilter, ids *model.EventIDGenerator, conv *clock.Converter, log *zap.Logger) *Reassembler {
	return &Reassembler{
		entries:  entries,
		filter:   filter,
		ids:      ids,
		clock:    conv,
		log:      log.Named("reassembler"),
		scratch:  make([]byte, ScratchBytes),
		slot:     make([]byte, SlotBytes),
		consumed: make(map[uint32]uint64),
	}
}

// Run polls rd until ctx is cancelled, invoking cb for each event that
// survives the filter. Poll deadlines are 200 ms so cancellation is
// observed promptly.
func (r *Reassembler) Run(ctx context.Context, rd RingReader, cb Callback) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		rd.SetDeadline(time.Now().Add(pollTimeout))
		rec, err := rd.Read()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ring buffer read: %w", err)
		}
		r.Process(rec.RawSample, cb)
	}
}

// Process materializes one raw ring buffer sample. Malformed headers are
// logged and dropped; payload field failures zero the field only.
func (r *Reassembler) Process(raw []byte, cb Callback) {
	h, err := model.DecodeHeader(raw)
	if err != nil {
		r.log.Warn("dropping malformed header", zap.Error(err))
		return
	}

	// The kernel reserved this window whether or not the event survives
	// the filter; account for it so the lag check stays honest.
	win := WindowEntries(h.StartIndex, h.EndIndex)
	cpu := uint32(h.StartIndex / EntriesPerCPU)
	r.confirm(cpu, win)

	if r.filter != nil && r.filter.ShouldSkip(&h) {
		metrics.FilterSkipped.Inc()
		return
	}

	ev := &r.event
	*ev = model.Event{
		ID:          r.ids.Next(),
		Type:        h.Type(),
		TimestampNS: r.clock.WallNS(h.TimestampNS),
		PID:         h.Pid,
		PPID:        h.Ppid,
		UPID:        h.Upid,
		UPPID:       h.Uppid,
		Comm:        h.CommString(),
	}

	if win == 0 {
		cb(ev)
		metrics.ReassembledEvents.Inc()
		return
	}

	winBytes, ok := r.copyWindow(&h, win)
	if !ok {
		// Window unreadable; ship the bare header event.
		cb(ev)
		metrics.ReassembledEvents.Inc()
		return
	}

	ev.Payload = r.decodePayload(ev.Type, winBytes, uint32(h.StartIndex%EntriesPerCPU)*EntrySize)
	cb(ev)
	metrics.ReassembledEvents.Inc()
}

// confirm advances the per-CPU consumed total and mirrors it kernel-side.
func (r *Reassembler) confirm(cpu uint32, win uint32) {
	if win == 0 {
		return
	}
	r.consumed[cpu] += uint64(win)
	if r.consumedSink != nil {
		if err := r.consumedSink.ConfirmConsumed(cpu, r.consumed[cpu]); err != nil {
			r.log.Debug("consumed write-back failed", zap.Error(err))
		}
	}
}

// copyWindow copies the header's entry range out of the per-CPU map into
// the linear scratch buffer, resolving at most one wrap. Returns the
// number of valid scratch bytes.
func (r *Reassembler) copyWindow(h *model.KernelHeader, win uint32) (int, bool) {
	if int(win)*EntrySize > len(r.scratch) {
		win = uint32(len(r.scratch) / EntrySize)
		metrics.TruncatedFields.Inc()
	}
	cpu := uint32(h.StartIndex / EntriesPerCPU)
	base := cpu * EntriesPerCPU
	start := uint32(h.StartIndex % EntriesPerCPU)

	for i := uint32(0); i < win; i++ {
		idx := base + (start+i)%EntriesPerCPU
		dst := r.scratch[int(i)*EntrySize : int(i+1)*EntrySize]
		if err := r.entries.ReadEntry(idx, dst); err != nil {
			r.log.Warn("payload entry read failed",
				zap.Uint32("index", idx), zap.Error(err))
			return 0, false
		}
	}
	return int(win) * EntrySize, true
}

// decodePayload dispatches by integer tag to a fixed per-type decoder.
func (r *Reassembler) decodePayload(t model.EventType, winBytes int, winStartByte uint32) any {
	fs := fixedSize(t)
	if fs == 0 || fs > winBytes {
		return nil
	}
	prefix := r.scratch[:fs]
	res := &resolver{r: r, winBytes: winBytes, winStartByte: winStartByte, slotUsed: 0}

	switch t {
	case model.EventExec:
		return &model.ExecPayload{
			StartTimeNS: binary.LittleEndian.Uint64(prefix[execOffStartTime:]),
			FileName:    res.field(Descriptor(binary.LittleEndian.Uint64(prefix[execOffFileNameDesc:]))),
			Argv:        res.field(Descriptor(binary.LittleEndian.Uint64(prefix[execOffArgvDesc:]))),
			Env:         res.field(Descriptor(binary.LittleEndian.Uint64(prefix[execOffEnvDesc:]))),
		}
	case model.EventExit:
		return &model.ExitPayload{
			Code:   int32(binary.LittleEndian.Uint32(prefix[0:])),
			Signal: int32(binary.LittleEndian.Uint32(prefix[4:])),
		}
	case model.EventOpenatEnter:
		return &model.OpenatPayload{
			Flags:    int32(binary.LittleEndian.Uint32(prefix[0:])),
			Mode:     binary.LittleEndian.Uint32(prefix[4:]),
			FileName: res.field(Descriptor(binary.LittleEndian.Uint64(prefix[openatOffFileNameDesc:]))),
		}
	case model.EventOpenatExit:
		return &model.OpenatExitPayload{
			Ret: int64(binary.LittleEndian.Uint64(prefix[0:])),
		}
	case model.EventReadEnter, model.EventWriteEnter:
		return &model.RWPayload{
			FD:    int32(binary.LittleEndian.Uint32(prefix[0:])),
			Count: binary.LittleEndian.Uint64(prefix[8:]),
		}
	case model.EventDirectReclaimBegin:
		return &model.ReclaimPayload{
			Order:    int32(binary.LittleEndian.Uint32(prefix[0:])),
			GfpFlags: binary.LittleEndian.Uint32(prefix[4:]),
		}
	case model.EventOomMarkVictim:
		return &model.OomPayload{
			TotalVMKB: binary.LittleEndian.Uint64(prefix[0:]),
			AnonRSSKB: binary.LittleEndian.Uint64(prefix[8:]),
		}
	default:
		return nil
	}
}

// resolver translates descriptors into slot-backed fields for one event.
type resolver struct {
	r            *Reassembler
	winBytes     int
	winStartByte uint32
	slotUsed     int
}

// field resolves one descriptor: translate the absolute byte index to a
// scratch-relative offset (accounting for the single possible wrap),
// bounds-check, and copy the bytes to the end of the payload slot. Any
// failure yields a zero field and reassembly continues.
func (res *resolver) field(d Descriptor) model.Field {
	if d.Zero() {
		return model.Field{}
	}
	length := int(d.ByteLength())
	if length == 0 {
		return model.Field{}
	}

	rel := int((d.ByteIndex()%RegionBytes - res.winStartByte + RegionBytes) % RegionBytes)
	if rel+length > res.winBytes {
		metrics.TruncatedFields.Inc()
		return model.Field{}
	}
	if res.slotUsed+length > len(res.r.slot) {
		metrics.TruncatedFields.Inc()
		return model.Field{}
	}

	dst := res.r.slot[res.slotUsed : res.slotUsed+length]
	copy(dst, res.r.scratch[rel:rel+length])
	res.slotUsed += length
	return model.Field{Len: uint32(length), Data: dst}
}
