package model

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/google/uuid"
)

// EventIDGenerator hands out monotonically increasing event IDs from a
// random 64-bit base, so IDs from different agent lifetimes do not
// collide at the sink (which dedups on event_id).
type EventIDGenerator struct {
	next atomic.Uint64
}

// NewEventIDGenerator seeds the counter with random bits.
func NewEventIDGenerator() *EventIDGenerator {
	u := uuid.New()
	g := &EventIDGenerator{}
	g.next.Store(binary.LittleEndian.Uint64(u[:8]))
	return g
}

// NewSeededEventIDGenerator starts from a fixed base, for tests.
func NewSeededEventIDGenerator(base uint64) *EventIDGenerator {
	g := &EventIDGenerator{}
	g.next.Store(base)
	return g
}

// Next returns the next event ID.
func (g *EventIDGenerator) Next() uint64 {
	return g.next.Add(1)
}
