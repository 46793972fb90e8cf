package model

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// KernelHeader must match struct event_header in internal/ebpf/c/tracer.bpf.c.
// Layout: start(8) + end(8) + type(4) + pid(4) + ppid(4) + pad(4) +
// upid(8) + uppid(8) + ts(8) + comm(16) = 72 bytes.
type KernelHeader struct {
	StartIndex  uint64
	EndIndex    uint64
	EventType   uint32
	Pid         uint32
	Ppid        uint32
	_           uint32 // padding
	Upid        uint64
	Uppid       uint64
	TimestampNS uint64
	Comm        [16]byte
}

// HeaderSize is the wire size of a KernelHeader.
const HeaderSize = 72

// DecodeHeader parses a raw ring buffer sample into a KernelHeader.
func DecodeHeader(raw []byte) (KernelHeader, error) {
	var h KernelHeader
	if len(raw) < HeaderSize {
		return h, fmt.Errorf("short header: %d bytes", len(raw))
	}
	if err := binary.Read(bytes.NewReader(raw[:HeaderSize]), binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// CommString returns the NUL-trimmed comm.
func (h *KernelHeader) CommString() string {
	return string(bytes.TrimRight(h.Comm[:], "\x00"))
}

// Type returns the header's event type, EventUnknown for out-of-range tags.
func (h *KernelHeader) Type() EventType {
	t := EventType(h.EventType)
	if !t.Kernel() {
		return EventUnknown
	}
	return t
}
