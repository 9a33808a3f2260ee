package pmm

import (
	"github.com/dustin/go-humanize"

	"github.com/ctfhacker/paintbrush/firmware"
	"github.com/ctfhacker/paintbrush/kernel"
	"github.com/ctfhacker/paintbrush/kfmt"
)

// maxDescriptors bounds the memory map snapshot taken from firmware.
const maxDescriptors = 256

// FromMemoryMap builds the free set from the firmware's memory map. Only
// conventional memory is eligible; overlapping or adjacent descriptors are
// coalesced by Insert. The exclude list (the loader's own image and stack,
// plus anything else already spoken for) is carved out afterwards so that a
// descriptor sloppily covering the loader cannot hand its memory out.
//
// ErrMemoryMapNotFound is returned when no usable bytes remain.
func FromMemoryMap(fw firmware.Services, chain *kernel.Chain, exclude ...Range) (Set, *kernel.Error) {
	var (
		buf  [maxDescriptors]firmware.MemoryDescriptor
		free Set
	)

	count, err := fw.MemoryMap(buf[:])
	if err != nil {
		chain.Report(err)
		return Set{}, chain.Report(ErrMemoryMapNotFound)
	}

	for i := 0; i < count; i++ {
		desc := &buf[i]
		if desc.Type != firmware.MemConventional || desc.Length() == 0 {
			continue
		}

		r := Range{
			Start: desc.PhysicalStart,
			End:   desc.PhysicalStart.Offset(desc.Length()),
		}
		if err := free.Insert(r); err != nil {
			return Set{}, chain.Report(err)
		}
	}

	for _, r := range exclude {
		if err := free.Remove(r); err != nil {
			return Set{}, chain.Report(err)
		}
	}

	if err := chain.Ensure(free.Len() > 0, ErrMemoryMapNotFound); err != nil {
		return Set{}, err
	}

	return free, nil
}

// PrintMemoryMap logs the firmware memory map and the resulting free total.
func PrintMemoryMap(fw firmware.Services, free *Set) {
	var buf [maxDescriptors]firmware.MemoryDescriptor

	count, err := fw.MemoryMap(buf[:])
	if err != nil {
		kfmt.Printf("[pmm] memory map unavailable: %s\n", err.Message)
		return
	}

	kfmt.Printf("[pmm] system memory map:\n")
	for i := 0; i < count; i++ {
		desc := &buf[i]
		kfmt.Printf("\t[0x%12x - 0x%12x] %s, type: %s\n",
			uint64(desc.PhysicalStart),
			uint64(desc.PhysicalStart)+desc.Length(),
			humanize.IBytes(desc.Length()),
			desc.Type.String(),
		)
	}
	kfmt.Printf("[pmm] free memory: %s in %d ranges\n",
		humanize.IBytes(free.TotalSize()), free.Len())
}
