// Package clock converts kernel monotonic timestamps to wall-clock time
// and derives reuse-safe process identifiers.
package clock

import (
	"time"

	"golang.org/x/sys/unix"
)

// BootOffsetNS returns CLOCK_REALTIME − CLOCK_MONOTONIC in nanoseconds.
// Adding it to a kernel monotonic timestamp yields wall-clock nanoseconds.
func BootOffsetNS() (int64, error) {
	var rt, mono unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &rt); err != nil {
		return 0, err
	}
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err != nil {
		return 0, err
	}
	return rt.Nano() - mono.Nano(), nil
}

// Converter turns monotonic kernel timestamps into wall-clock values
// using a boot offset captured once at startup.
type Converter struct {
	offsetNS int64
}

// NewConverter captures the current boot offset.
func NewConverter() (*Converter, error) {
	off, err := BootOffsetNS()
	if err != nil {
		return nil, err
	}
	return &Converter{offsetNS: off}, nil
}

// NewFixedConverter builds a Converter with a known offset, for tests
// and for mirroring the offset installed in the kernel config map.
func NewFixedConverter(offsetNS int64) *Converter {
	return &Converter{offsetNS: offsetNS}
}

// OffsetNS returns the captured boot offset.
func (c *Converter) OffsetNS() int64 { return c.offsetNS }

// WallNS converts a monotonic nanosecond timestamp to wall-clock ns.
func (c *Converter) WallNS(monotonicNS uint64) uint64 {
	return uint64(int64(monotonicNS) + c.offsetNS)
}

// WallTime converts a monotonic nanosecond timestamp to a time.Time.
func (c *Converter) WallTime(monotonicNS uint64) time.Time {
	ns := c.WallNS(monotonicNS)
	return time.Unix(0, int64(ns)).UTC()
}

const (
	pidBits       = 24
	startTimeBits = 44
	pidMask       = 1<<pidBits - 1
	startTimeMask = 1<<startTimeBits - 1
)

// UPID packs the low 24 bits of a PID with the truncated process start
// time. Two observations of the same process compare equal; a reused PID
// with a different start time does not.
func UPID(pid uint32, startTimeNS uint64) uint64 {
	return uint64(pid&pidMask)<<40 | startTimeNS&startTimeMask
}
