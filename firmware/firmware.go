// Package firmware declares the boot services the loader consumes. The
// loader never reaches firmware through ambient global state: a Services
// handle is obtained once at program start and threaded explicitly through
// every operation that needs it, which keeps each component's firmware
// dependency visible in its interface.
//
// The services mirror the shape of the pre-boot environment they abstract: a
// memory-map enumeration that fills a caller-provided descriptor buffer, a
// network file transfer that downloads into a caller-provided byte buffer, a
// non-blocking start-processor call that hands one argument to the target
// core, and the exit call that relinquishes firmware ownership of memory.
package firmware

import (
	"github.com/ctfhacker/paintbrush/kernel"
	"github.com/ctfhacker/paintbrush/mem"
)

// Errors reported by firmware service wrappers.
var (
	// ErrMemoryMapFailed is returned when the firmware rejects a memory
	// map enumeration request.
	ErrMemoryMapFailed = &kernel.Error{Module: "firmware", Message: "memory map enumeration failed"}

	// ErrBufferTooSmall is returned when a caller-provided buffer cannot
	// hold the firmware's response.
	ErrBufferTooSmall = &kernel.Error{Module: "firmware", Message: "caller buffer too small for firmware response"}

	// ErrFileNotFound is returned when the boot transport has no file
	// with the requested name.
	ErrFileNotFound = &kernel.Error{Module: "firmware", Message: "file not found on boot transport"}

	// ErrTransferFailed is returned when a file transfer starts but does
	// not complete.
	ErrTransferFailed = &kernel.Error{Module: "firmware", Message: "boot transport transfer failed"}

	// ErrStartProcessorFailed is returned when the firmware rejects a
	// start-processor request (already started core, invalid target, ...).
	ErrStartProcessorFailed = &kernel.Error{Module: "firmware", Message: "start-processor request rejected"}

	// ErrExitBootServicesFailed is returned when the firmware refuses to
	// relinquish ownership of memory.
	ErrExitBootServicesFailed = &kernel.Error{Module: "firmware", Message: "exit-boot-services request rejected"}
)

// MemoryType classifies a memory map descriptor.
type MemoryType uint32

const (
	// MemReserved indicates memory that must not be used.
	MemReserved MemoryType = iota

	// MemConventional indicates free general-purpose memory. This is the
	// only type eligible for the loader's free set.
	MemConventional

	// MemLoaderImage indicates memory backing the loader's own image.
	MemLoaderImage

	// MemLoaderStack indicates the loader's stack region.
	MemLoaderStack

	// MemFirmware indicates memory owned by firmware runtime services.
	MemFirmware

	// MemAcpiReclaimable indicates ACPI tables that may be reclaimed once
	// consumed.
	MemAcpiReclaimable
)

// String implements fmt.Stringer for MemoryType.
func (t MemoryType) String() string {
	switch t {
	case MemReserved:
		return "reserved"
	case MemConventional:
		return "conventional"
	case MemLoaderImage:
		return "loader image"
	case MemLoaderStack:
		return "loader stack"
	case MemFirmware:
		return "firmware"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	default:
		return "unknown"
	}
}

// MemoryDescriptor describes one physical memory region reported by the
// firmware: its start, its length in 4 KiB pages, and its type.
type MemoryDescriptor struct {
	// PhysicalStart is the physical address of the region start.
	PhysicalStart mem.PhysAddr

	// NumberOfPages is the region length in 4 KiB pages.
	NumberOfPages uint64

	// Type classifies the region.
	Type MemoryType

	// Attribute carries firmware capability bits for the region. The
	// loader records but does not interpret them.
	Attribute uint64
}

// Length returns the region size in bytes.
func (d *MemoryDescriptor) Length() uint64 {
	return d.NumberOfPages * uint64(mem.PageSize)
}

// ProcessorCount reports the logical processors present on the platform.
type ProcessorCount struct {
	// Total is the number of logical processors including the boot
	// processor and any disabled cores.
	Total int

	// Enabled is the number of processors currently enabled.
	Enabled int
}

// Services is the handle to the firmware's boot services. One handle is
// obtained at program start; everything the loader does with firmware flows
// through it.
type Services interface {
	// MemoryMap fills buf with the firmware's current memory map and
	// returns the number of descriptors written. ErrBufferTooSmall is
	// returned when buf cannot hold the full map.
	MemoryMap(buf []MemoryDescriptor) (int, *kernel.Error)

	// ReadFile downloads the named file from the boot transport into buf
	// and returns the number of bytes received. ErrFileNotFound and
	// ErrTransferFailed distinguish a missing file from a broken
	// transfer; ErrBufferTooSmall is returned when the file does not fit.
	ReadFile(name string, buf []byte) (int, *kernel.Error)

	// ProcessorCount reports the platform's logical processors.
	ProcessorCount() (ProcessorCount, *kernel.Error)

	// StartProcessor begins executing the kernel entry procedure at the
	// given physical address on the specified logical core, passing arg
	// as the procedure's sole argument. The call does not block on the
	// target core; rejection is reported as ErrStartProcessorFailed.
	StartProcessor(core int, entry mem.PhysAddr, arg mem.PhysAddr) *kernel.Error

	// ExitBootServices relinquishes firmware ownership of memory. It is
	// called exactly once, after all loader-side construction and before
	// the first StartProcessor call.
	ExitBootServices() *kernel.Error

	// Stall busy-waits for the given number of microseconds. Used by the
	// bounded liveness and stats polling loops.
	Stall(micros uint64)

	// IdentityTableRoot returns the physical address of the root of the
	// firmware's identity-mapped page table.
	IdentityTableRoot() mem.PhysAddr
}
