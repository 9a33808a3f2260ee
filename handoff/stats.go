package handoff

import (
	"sync/atomic"
	"unsafe"
)

// StatsSize is the encoded size of one core's stats buffer: StartTSC,
// LastTSC and Iterations, 8 bytes each.
const StatsSize = 24

// Stats buffer field offsets.
const (
	statsStartTSC   = 0
	statsLastTSC    = 8
	statsIterations = 16
)

// Stats is a view over one core's stats buffer in physical memory. The
// buffer has a single writer, the owning core; the boot processor reads it
// best effort while the core keeps running. All accesses are aligned 8-byte
// atomics so a reader never observes a torn value, only a stale one.
type Stats struct {
	buf []byte
}

// StatsView wraps an 8-byte aligned stats buffer.
func StatsView(buf []byte) Stats {
	return Stats{buf: buf}
}

func (s Stats) word(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.buf[off]))
}

// Start records the owning core's first timestamp and resets the counters.
func (s Stats) Start(tsc uint64) {
	atomic.StoreUint64(s.word(statsStartTSC), tsc)
	atomic.StoreUint64(s.word(statsLastTSC), tsc)
	atomic.StoreUint64(s.word(statsIterations), 0)
}

// Tick records one iteration of the owning core's work loop.
func (s Stats) Tick(tsc uint64) {
	atomic.StoreUint64(s.word(statsLastTSC), tsc)
	atomic.AddUint64(s.word(statsIterations), 1)
}

// StartTSC returns the core's first recorded timestamp.
func (s Stats) StartTSC() uint64 {
	return atomic.LoadUint64(s.word(statsStartTSC))
}

// LastTSC returns the core's most recent recorded timestamp.
func (s Stats) LastTSC() uint64 {
	return atomic.LoadUint64(s.word(statsLastTSC))
}

// Iterations returns the core's iteration count.
func (s Stats) Iterations() uint64 {
	return atomic.LoadUint64(s.word(statsIterations))
}

// MarkAlive publishes the owning core's liveness through its alive slot.
// Written exactly once per boot; the value only ever moves from 0 to 1.
func MarkAlive(slot []byte) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&slot[0])), 1)
}

// Alive reports whether the owning core has published liveness.
func Alive(slot []byte) bool {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&slot[0]))) != 0
}
