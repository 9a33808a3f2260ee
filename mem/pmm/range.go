// Package pmm tracks physical memory as a set of byte-granular ranges. It is
// the only memory bookkeeping available to the loader: it exists before any
// general-purpose allocator and therefore stores its state in a
// fixed-capacity array rather than on a heap.
package pmm

import (
	"github.com/ctfhacker/paintbrush/mem"
)

// Range is a half-open physical address interval [Start, End).
type Range struct {
	// Start is the first address in the range.
	Start mem.PhysAddr

	// End is the first address past the range.
	End mem.PhysAddr
}

// Valid returns true when Start does not exceed End.
func (r Range) Valid() bool {
	return r.Start <= r.End
}

// Size returns the number of bytes the range covers.
func (r Range) Size() uint64 {
	return uint64(r.End - r.Start)
}

// Empty returns true for zero-length ranges.
func (r Range) Empty() bool {
	return r.Start == r.End
}

// Contains returns true when other lies entirely within r.
func (r Range) Contains(other Range) bool {
	return r.Start <= other.Start && r.End >= other.End
}

// Overlaps returns true when r and other share at least one byte.
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

// Touches returns true when r and other overlap or are directly adjacent.
// Two free ranges that touch must be stored as one.
func (r Range) Touches(other Range) bool {
	return r.Start <= other.End && other.Start <= r.End
}
