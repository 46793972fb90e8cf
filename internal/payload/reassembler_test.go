package payload

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/Tracer-Cloud/tracer-client/internal/clock"
	"github.com/Tracer-Cloud/tracer-client/internal/model"
)

// --- helpers ---------------------------------------------------------------

// fakeEntries is an in-memory payload array keyed by global entry index.
type fakeEntries struct {
	data map[uint32][]byte
}

func newFakeEntries() *fakeEntries {
	return &fakeEntries{data: make(map[uint32][]byte)}
}

func (f *fakeEntries) ReadEntry(globalIndex uint32, dst []byte) error {
	e, ok := f.data[globalIndex]
	if !ok {
		return fmt.Errorf("no entry %d", globalIndex)
	}
	copy(dst, e)
	return nil
}

// write stores b into consecutive entries starting at the given
// region-relative entry of the given CPU, wrapping modulo the region.
func (f *fakeEntries) write(cpu, relEntry uint32, b []byte) {
	for off := 0; off < len(b); off += EntrySize {
		entry := make([]byte, EntrySize)
		copy(entry, b[off:])
		idx := cpu*EntriesPerCPU + (relEntry+uint32(off/EntrySize))%EntriesPerCPU
		f.data[idx] = entry
	}
}

// eventBuilder mirrors the kernel serialization: a fixed prefix entry
// followed by entry-aligned dynamic fields, descriptors patched into the
// prefix as (region-relative byte index << 32 | length).
type eventBuilder struct {
	t       *testing.T
	entries *fakeEntries
	cpu     uint32
	cursor  uint64 // monotonic entry cursor within the region
}

func (b *eventBuilder) buildExec(startTimeNS uint64, filename string, argv []string, env []string) model.KernelHeader {
	b.t.Helper()

	prefix := make([]byte, execFixedSize)
	binary.LittleEndian.PutUint64(prefix[execOffStartTime:], startTimeNS)

	start := b.cursor
	b.cursor++ // prefix entry

	patch := func(off int, data []byte) {
		if len(data) == 0 {
			return
		}
		rel := uint32(b.cursor % EntriesPerCPU)
		b.entries.write(b.cpu, rel, data)
		desc := NewDescriptor(rel*EntrySize, uint32(len(data)))
		binary.LittleEndian.PutUint64(prefix[off:], uint64(desc))
		b.cursor += uint64((len(data) + EntrySize - 1) / EntrySize)
	}

	patch(execOffFileNameDesc, []byte(filename))
	patch(execOffArgvDesc, nulJoin(argv))
	patch(execOffEnvDesc, nulJoin(env))

	b.entries.write(b.cpu, uint32(start%EntriesPerCPU), prefix)

	return model.KernelHeader{
		StartIndex:  uint64(b.cpu)*EntriesPerCPU + start%EntriesPerCPU,
		EndIndex:    uint64(b.cpu)*EntriesPerCPU + b.cursor%EntriesPerCPU,
		EventType:   uint32(model.EventExec),
		Pid:         1234,
		Ppid:        1,
		Upid:        clock.UPID(1234, startTimeNS),
		TimestampNS: 1_000_000,
		Comm:        comm16("bwa"),
	}
}

func nulJoin(parts []string) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.WriteString(p)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func comm16(s string) [16]byte {
	var c [16]byte
	copy(c[:], s)
	return c
}

func encodeHeader(t *testing.T, h model.KernelHeader) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestReassembler(entries EntryReader) *Reassembler {
	ids := model.NewSeededEventIDGenerator(100)
	conv := clock.NewFixedConverter(0)
	return New(entries, nil, ids, conv, zap.NewNop())
}

func collectOne(t *testing.T, r *Reassembler, raw []byte) *model.Event {
	t.Helper()
	var got *model.Event
	r.Process(raw, func(ev *model.Event) {
		cp := *ev
		got = &cp
	})
	if got == nil {
		t.Fatal("no event materialized")
	}
	return got
}

// --- tests -----------------------------------------------------------------

func TestExecMaterialization(t *testing.T) {
	entries := newFakeEntries()
	b := &eventBuilder{t: t, entries: entries, cpu: 0, cursor: 0}

	argv := []string{"bwa", "mem", "ref.fa", "r.fq"}
	h := b.buildExec(42, "/usr/bin/bwa", argv, []string{"PATH=/usr/bin"})

	r := newTestReassembler(entries)
	ev := collectOne(t, r, encodeHeader(t, h))

	if ev.Type != model.EventExec {
		t.Fatalf("type = %v, want exec", ev.Type)
	}
	if ev.Comm != "bwa" {
		t.Errorf("comm = %q", ev.Comm)
	}
	p, ok := ev.Payload.(*model.ExecPayload)
	if !ok {
		t.Fatalf("payload type %T", ev.Payload)
	}
	if p.StartTimeNS != 42 {
		t.Errorf("start_time = %d", p.StartTimeNS)
	}
	if got := p.FileName.String(); got != "/usr/bin/bwa" {
		t.Errorf("filename = %q", got)
	}
	if got := p.Args(); len(got) != 4 || got[0] != "bwa" || got[3] != "r.fq" {
		t.Errorf("argv = %v", got)
	}
	if got := p.Environ(); len(got) != 1 || got[0] != "PATH=/usr/bin" {
		t.Errorf("env = %v", got)
	}
}

// TestPayloadWrapAround places an event so that its filename bytes cross
// the last entry of the region into index 0. The materialized filename
// must still equal the input as one contiguous buffer.
func TestPayloadWrapAround(t *testing.T) {
	entries := newFakeEntries()
	b := &eventBuilder{t: t, entries: entries, cpu: 1, cursor: EntriesPerCPU - 2}

	long := make([]byte, 300) // spans 5 entries, crossing the boundary
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	h := b.buildExec(7, string(long), nil, nil)

	if WindowEntries(h.StartIndex, h.EndIndex) == 0 {
		t.Fatal("window unexpectedly empty")
	}

	r := newTestReassembler(entries)
	ev := collectOne(t, r, encodeHeader(t, h))

	p := ev.Payload.(*model.ExecPayload)
	if !bytes.Equal(p.FileName.Data, long) {
		t.Fatalf("wrapped field corrupted: got %d bytes, want %d", len(p.FileName.Data), len(long))
	}
	if p.FileName.Len != uint32(len(long)) {
		t.Errorf("field length = %d", p.FileName.Len)
	}
}

// TestDescriptorOutOfWindow rewrites a descriptor to point past the
// flushed window; the field must be zeroed and the event still ship.
func TestDescriptorOutOfWindow(t *testing.T) {
	entries := newFakeEntries()
	b := &eventBuilder{t: t, entries: entries, cpu: 0, cursor: 0}
	h := b.buildExec(1, "/bin/x", []string{"x"}, nil)

	// Corrupt the filename descriptor: valid index, length far past
	// the window.
	prefix := make([]byte, EntrySize)
	if err := entries.ReadEntry(0, prefix); err != nil {
		t.Fatal(err)
	}
	bad := NewDescriptor(EntrySize, 32*1024)
	binary.LittleEndian.PutUint64(prefix[execOffFileNameDesc:], uint64(bad))
	entries.write(0, 0, prefix)

	r := newTestReassembler(entries)
	ev := collectOne(t, r, encodeHeader(t, h))

	p := ev.Payload.(*model.ExecPayload)
	if !p.FileName.Empty() {
		t.Errorf("out-of-window field not zeroed: %q", p.FileName.String())
	}
	if p.Argv.Empty() {
		t.Errorf("healthy sibling field was zeroed too")
	}
}

func TestZeroWindowDeliversBareEvent(t *testing.T) {
	entries := newFakeEntries()
	h := model.KernelHeader{
		StartIndex:  10,
		EndIndex:    10,
		EventType:   uint32(model.EventExit),
		Pid:         55,
		TimestampNS: 5,
		Comm:        comm16("sleep"),
	}

	r := newTestReassembler(entries)
	ev := collectOne(t, r, encodeHeader(t, h))

	if ev.Payload != nil {
		t.Errorf("payload = %v, want nil for empty window", ev.Payload)
	}
	if ev.PID != 55 {
		t.Errorf("pid = %d", ev.PID)
	}
}

func TestAbsentDescriptorIsEmptyField(t *testing.T) {
	entries := newFakeEntries()
	b := &eventBuilder{t: t, entries: entries, cpu: 0, cursor: 0}
	h := b.buildExec(1, "/bin/x", nil, nil) // no argv, no env

	r := newTestReassembler(entries)
	ev := collectOne(t, r, encodeHeader(t, h))

	p := ev.Payload.(*model.ExecPayload)
	if !p.Argv.Empty() || !p.Env.Empty() {
		t.Errorf("absent descriptors must resolve to empty fields")
	}
}

func TestPerCPUOrderPreserved(t *testing.T) {
	entries := newFakeEntries()
	b := &eventBuilder{t: t, entries: entries, cpu: 2, cursor: 0}

	var raws [][]byte
	for i := 0; i < 5; i++ {
		h := b.buildExec(uint64(i+1), fmt.Sprintf("/bin/tool%d", i), nil, nil)
		raws = append(raws, encodeHeader(t, h))
	}

	r := newTestReassembler(entries)
	var starts []uint64
	for _, raw := range raws {
		ev := collectOne(t, r, raw)
		starts = append(starts, ev.Payload.(*model.ExecPayload).StartTimeNS)
	}
	for i, s := range starts {
		if s != uint64(i+1) {
			t.Fatalf("delivery order broken: %v", starts)
		}
	}
}

func TestEventIDsMonotonic(t *testing.T) {
	entries := newFakeEntries()
	b := &eventBuilder{t: t, entries: entries, cpu: 0, cursor: 0}

	r := newTestReassembler(entries)
	var prev uint64
	for i := 0; i < 3; i++ {
		h := b.buildExec(uint64(i+1), "/bin/x", nil, nil)
		ev := collectOne(t, r, encodeHeader(t, h))
		if ev.ID <= prev {
			t.Fatalf("event_id not increasing: %d after %d", ev.ID, prev)
		}
		prev = ev.ID
	}
}

// skipAll drops every header, for consumed-accounting tests.
type skipAll struct{}

func (skipAll) ShouldSkip(h *model.KernelHeader) bool { return true }

// consumedLog records consumed write-backs.
type consumedLog struct {
	calls []struct {
		cpu   uint32
		total uint64
	}
}

func (c *consumedLog) ConfirmConsumed(cpu uint32, total uint64) error {
	c.calls = append(c.calls, struct {
		cpu   uint32
		total uint64
	}{cpu, total})
	return nil
}

// TestConsumedAdvancesEvenWhenFiltered: the kernel reserved the window
// regardless of the user-side filter verdict, so the consumed mirror
// must advance for skipped headers too.
func TestConsumedAdvancesEvenWhenFiltered(t *testing.T) {
	entries := newFakeEntries()
	b := &eventBuilder{t: t, entries: entries, cpu: 0, cursor: 0}
	h1 := b.buildExec(1, "/bin/a", nil, nil)
	h2 := b.buildExec(2, "/bin/b", nil, nil)

	ids := model.NewSeededEventIDGenerator(1)
	r := New(entries, skipAll{}, ids, clock.NewFixedConverter(0), zap.NewNop())
	sink := &consumedLog{}
	r.SetConsumedSink(sink)

	delivered := 0
	r.Process(encodeHeader(t, h1), func(*model.Event) { delivered++ })
	r.Process(encodeHeader(t, h2), func(*model.Event) { delivered++ })

	if delivered != 0 {
		t.Fatalf("filter leaked %d events", delivered)
	}
	if len(sink.calls) != 2 {
		t.Fatalf("consumed write-backs = %d, want 2", len(sink.calls))
	}
	w1 := uint64(WindowEntries(h1.StartIndex, h1.EndIndex))
	w2 := uint64(WindowEntries(h2.StartIndex, h2.EndIndex))
	if sink.calls[1].total != w1+w2 {
		t.Errorf("consumed total = %d, want %d", sink.calls[1].total, w1+w2)
	}
}

func TestWindowEntries(t *testing.T) {
	cases := []struct {
		start, end uint64
		want       uint32
	}{
		{0, 0, 0},
		{0, 1, 1},
		{10, 14, 4},
		{EntriesPerCPU - 2, EntriesPerCPU + 3, 5}, // wraps once
		{EntriesPerCPU, EntriesPerCPU, 0},
	}
	for _, c := range cases {
		if got := WindowEntries(c.start, c.end); got != c.want {
			t.Errorf("WindowEntries(%d, %d) = %d, want %d", c.start, c.end, got, c.want)
		}
	}
}

func TestDescriptorPacking(t *testing.T) {
	d := NewDescriptor(0xDEAD00, 0x1234)
	if d.ByteIndex() != 0xDEAD00 || d.ByteLength() != 0x1234 {
		t.Fatalf("descriptor round trip failed: %x", uint64(d))
	}
	if !Descriptor(0).Zero() {
		t.Error("zero descriptor must report absent")
	}
}
