// Package payload implements the per-CPU payload buffer geometry and the
// user-space reassembler that materializes events from ring buffer
// headers plus payload map entries.
//
// The kernel probe serializes each event's fixed prefix followed by its
// dynamic field bytes into 64-byte entries of this CPU's region of a
// shared array map, then publishes a header referencing the entry range.
// Layouts here must match internal/ebpf/c/tracer.bpf.c byte for byte.
package payload

import "github.com/Tracer-Cloud/tracer-client/internal/model"

const (
	// EntrySize is the byte size of one payload array entry.
	EntrySize = 64

	// RegionBytes is the byte size of one CPU's region.
	RegionBytes = 1 << 20

	// EntriesPerCPU is the number of entries a region holds.
	EntriesPerCPU = RegionBytes / EntrySize // 16384

	// ScratchBytes is the reassembler's linear scratch buffer size. The
	// kernel never emits a payload window larger than half a region, and
	// a single event's useful bytes fit well under this.
	ScratchBytes = 64 << 10

	// SlotBytes is the default capacity of a caller-owned payload slot.
	SlotBytes = 64 << 10
)

// Descriptor locates one dynamic field inside the per-CPU buffer:
// high 32 bits byte index (absolute, modulo region bytes), low 32 bits
// byte length. Zero means the field is absent.
type Descriptor uint64

// NewDescriptor packs an index/length pair.
func NewDescriptor(byteIndex, byteLength uint32) Descriptor {
	return Descriptor(uint64(byteIndex)<<32 | uint64(byteLength))
}

// ByteIndex returns the absolute byte index.
func (d Descriptor) ByteIndex() uint32 { return uint32(d >> 32) }

// ByteLength returns the field length in bytes.
func (d Descriptor) ByteLength() uint32 { return uint32(d) }

// Zero reports whether the field is absent.
func (d Descriptor) Zero() bool { return d == 0 }

// WindowEntries resolves a header's [start, end) cursor pair into an
// entry count, accounting for at most one wrap within the region.
func WindowEntries(start, end uint64) uint32 {
	s := uint32(start % EntriesPerCPU)
	e := uint32(end % EntriesPerCPU)
	return (e - s + EntriesPerCPU) % EntriesPerCPU
}

// fixedSize returns the wire size of the fixed prefix for a kernel event
// type. Descriptor slots count as 8 bytes each.
func fixedSize(t model.EventType) int {
	switch t {
	case model.EventExec:
		return execFixedSize
	case model.EventExit:
		return exitFixedSize
	case model.EventOpenatEnter:
		return openatFixedSize
	case model.EventOpenatExit:
		return openatExitFixedSize
	case model.EventReadEnter, model.EventWriteEnter:
		return rwFixedSize
	case model.EventDirectReclaimBegin:
		return reclaimFixedSize
	case model.EventOomMarkVictim:
		return oomFixedSize
	default:
		return 0
	}
}

// Wire prefix layouts. Offsets are from the start of the fixed prefix.
const (
	// exec: start_time u64, filename desc, argv desc, env desc
	execFixedSize       = 32
	execOffStartTime    = 0
	execOffFileNameDesc = 8
	execOffArgvDesc     = 16
	execOffEnvDesc      = 24

	// exit: code i32, signal i32
	exitFixedSize = 8

	// openat enter: flags i32, mode u32, filename desc
	openatFixedSize       = 16
	openatOffFileNameDesc = 8

	// openat exit: ret i64
	openatExitFixedSize = 8

	// read/write enter: fd i32, pad u32, count u64
	rwFixedSize = 16

	// direct reclaim begin: order i32, gfp u32
	reclaimFixedSize = 8

	// oom mark victim: total_vm_kb u64, anon_rss_kb u64
	oomFixedSize = 16
)
