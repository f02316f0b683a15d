// Package weight holds the latest known weight reading shared between the
// telemetry session (writer) and the audio engine (reader).
package weight

import (
	"math"
	"sync/atomic"
)

// Cell is a single-slot holder for the most recent weight value, in the
// units reported by the device (kilograms for the Progressor).
//
// Exactly one goroutine writes (the telemetry session) and one reads (the
// audio callback). There is no history: a read returns whatever value was
// most recently stored. Load never blocks, which keeps the audio callback
// free of lock contention with the wireless writer.
type Cell struct {
	bits atomic.Uint32
}

// Store replaces the current weight with v.
func (c *Cell) Store(v float32) {
	c.bits.Store(math.Float32bits(v))
}

// Load returns the most recently stored weight. The zero Cell loads 0.
func (c *Cell) Load() float32 {
	return math.Float32frombits(c.bits.Load())
}
