// Package mem defines the address and size types shared by the physical and
// virtual memory managers, and the access interface to raw physical memory.
package mem

import (
	"github.com/ctfhacker/paintbrush/kernel"
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

const (
	// PageShift is equal to log2(PageSize). This constant is used when we
	// need to convert a physical address to a page number (shift right by
	// PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)
)

// PhysAddr is a physical memory address.
type PhysAddr uint64

// VirtAddr is a virtual memory address.
type VirtAddr uint64

// PageAligned returns true if addr falls on a page boundary.
func (addr PhysAddr) PageAligned() bool {
	return addr&(PhysAddr(PageSize)-1) == 0
}

// Offset returns addr advanced by off bytes.
func (addr PhysAddr) Offset(off uint64) PhysAddr {
	return addr + PhysAddr(off)
}

// PageAligned returns true if addr falls on a page boundary.
func (addr VirtAddr) PageAligned() bool {
	return addr&(VirtAddr(PageSize)-1) == 0
}

// PageBase returns addr rounded down to the start of its page.
func (addr VirtAddr) PageBase() VirtAddr {
	return addr &^ (VirtAddr(PageSize) - 1)
}

// PageOffset returns the offset of addr within its page.
func (addr VirtAddr) PageOffset() uint64 {
	return uint64(addr & (VirtAddr(PageSize) - 1))
}

// AlignUp rounds v up to the next multiple of align. align must be a power of
// two.
func AlignUp(v uint64, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// PhysMem provides byte-level access to physical memory. On hardware this is
// backed by the firmware's identity mapping; under test it is backed by a
// plain byte array. Every component that reads or writes physical memory
// (page-table construction, segment population, the handoff records) goes
// through this interface so its dependency on raw memory stays visible.
type PhysMem interface {
	// Slice returns a mutable view of the size bytes of physical memory
	// starting at addr.
	Slice(addr PhysAddr, size uint64) ([]byte, *kernel.Error)
}
