// Package vmm builds the per-core x86-64 page tables the loader hands to the
// kernel. Tables are constructed inside raw physical memory through the
// mem.PhysMem interface; the MMU never sees them until the target core loads
// the root, so construction needs no TLB maintenance.
//
// Each Table owns every page it writes to. A table derived from the
// firmware's identity mapping initially shares the identity structure below
// its root; any inherited table page is cloned before the first write lands
// in it, so no core's mapping work is ever visible through another root.
package vmm

import (
	"github.com/ctfhacker/paintbrush/image"
	"github.com/ctfhacker/paintbrush/kernel"
	"github.com/ctfhacker/paintbrush/mem"
	"github.com/ctfhacker/paintbrush/mem/pmm"
)

var (
	// ErrNotMapped is returned when a table walk reaches a non-present
	// entry.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrMappingConflict is returned when a mapping request targets an
	// already-mapped page with a different translation.
	ErrMappingConflict = &kernel.Error{Module: "vmm", Message: "page already mapped with a different translation"}

	// ErrHugePageUnsupported is returned when a walk encounters a huge
	// page entry. The loader only builds 4 KiB mappings.
	ErrHugePageUnsupported = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}

	// ErrUnalignedAddress is returned when a mapping request is not page
	// aligned.
	ErrUnalignedAddress = &kernel.Error{Module: "vmm", Message: "mapping request not page aligned"}
)

// Table is one core's page table under construction. It tracks the frames it
// has written to so that inherited identity-mapping structure can be cloned
// on first touch instead of modified in place.
type Table struct {
	root   mem.PhysAddr
	pm     mem.PhysMem
	frames *pmm.Set
	owned  pmm.Set
}

// New allocates a zeroed root from frames and returns an empty table.
func New(pm mem.PhysMem, frames *pmm.Set) (*Table, *kernel.Error) {
	t := &Table{pm: pm, frames: frames}

	root, err := t.allocTablePage()
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

// DeriveFrom clones the root page of an existing table, typically the
// firmware's identity mapping, and returns a table whose lower levels are
// shared with the original. The shared structure keeps physical addresses
// resolvable through the new root during handoff; it is cloned page by page
// as mappings are added.
func DeriveFrom(pm mem.PhysMem, frames *pmm.Set, root mem.PhysAddr) (*Table, *kernel.Error) {
	t := &Table{pm: pm, frames: frames}

	clone, err := t.clonePage(root)
	if err != nil {
		return nil, err
	}
	t.root = clone
	return t, nil
}

// Root returns the physical address of the table's top level page. This is
// the value the target core loads into CR3.
func (t *Table) Root() mem.PhysAddr {
	return t.root
}

// OwnedPages returns the table pages this Table allocated or cloned.
func (t *Table) OwnedPages() []pmm.Range {
	return t.owned.Ranges()
}

// allocTablePage takes a zeroed page from the frame source and marks it
// owned.
func (t *Table) allocTablePage() (mem.PhysAddr, *kernel.Error) {
	got, err := t.frames.AllocatePages(1)
	if err != nil {
		return 0, err
	}

	page, err := t.pm.Slice(got.Start, uint64(mem.PageSize))
	if err != nil {
		return 0, err
	}
	for i := range page {
		page[i] = 0
	}

	if err := t.owned.Insert(got); err != nil {
		return 0, err
	}
	return got.Start, nil
}

// clonePage copies src into a freshly owned page and returns the copy.
func (t *Table) clonePage(src mem.PhysAddr) (mem.PhysAddr, *kernel.Error) {
	clone, err := t.allocTablePage()
	if err != nil {
		return 0, err
	}

	from, err := t.pm.Slice(src, uint64(mem.PageSize))
	if err != nil {
		return 0, err
	}
	to, err := t.pm.Slice(clone, uint64(mem.PageSize))
	if err != nil {
		return 0, err
	}
	copy(to, from)
	return clone, nil
}

// mapPage installs a single 4 KiB translation. The walk descends from the
// root, allocating missing interior tables and cloning inherited ones, so
// the final write is guaranteed to land in an owned page.
func (t *Table) mapPage(virt mem.VirtAddr, phys mem.PhysAddr, flags EntryFlag) *kernel.Error {
	tableAddr := t.root

	for level := 0; level < pageLevels-1; level++ {
		table, err := t.pm.Slice(tableAddr, uint64(mem.PageSize))
		if err != nil {
			return err
		}

		index := entryIndex(virt, level)
		pte := readEntry(table, index)

		if pte.HasFlags(FlagPresent) && pte.HasFlags(FlagHugePage) {
			return ErrHugePageUnsupported
		}

		if !pte.HasFlags(FlagPresent) {
			// Next table does not exist yet; allocate and hook it
			// up. Interior entries stay maximally permissive, the
			// leaf entry restricts.
			next, err := t.allocTablePage()
			if err != nil {
				return err
			}

			pte = 0
			pte.SetFrame(next)
			pte.SetFlags(FlagPresent | FlagWritable)
			writeEntry(table, index, pte)
			tableAddr = next
			continue
		}

		next := pte.Frame()
		if !t.owned.Contains(next) {
			// The next table belongs to the identity mapping we
			// derived from. Clone it before any write can reach
			// it.
			clone, err := t.clonePage(next)
			if err != nil {
				return err
			}

			pte.SetFrame(clone)
			writeEntry(table, index, pte)
			next = clone
		}
		tableAddr = next
	}

	table, err := t.pm.Slice(tableAddr, uint64(mem.PageSize))
	if err != nil {
		return err
	}

	index := entryIndex(virt, pageLevels-1)
	var want entry
	want.SetFrame(phys)
	want.SetFlags(flags)

	if existing := readEntry(table, index); existing.HasFlags(FlagPresent) {
		// Identical re-maps are idempotent; anything else is a
		// conflict.
		if existing != want {
			return ErrMappingConflict
		}
		return nil
	}

	writeEntry(table, index, want)
	return nil
}

// MapRange establishes translations for size bytes starting at virt onto the
// physical region starting at phys. Both addresses must be page aligned;
// size is rounded up to the next page boundary.
func (t *Table) MapRange(virt mem.VirtAddr, phys mem.PhysAddr, size uint64, flags EntryFlag) *kernel.Error {
	if !virt.PageAligned() || !phys.PageAligned() {
		return ErrUnalignedAddress
	}

	pages := mem.AlignUp(size, uint64(mem.PageSize)) >> mem.PageShift
	for i := uint64(0); i < pages; i++ {
		off := i << mem.PageShift
		if err := t.mapPage(virt+mem.VirtAddr(off), phys.Offset(off), flags); err != nil {
			return err
		}
	}
	return nil
}

// MapSegment maps one kernel segment at its virtual address onto the
// physical backing that holds its bytes. The segment's permissions are
// applied at page granularity; backing must cover the segment rounded out to
// page boundaries.
func (t *Table) MapSegment(seg *image.Segment, backing mem.PhysAddr) *kernel.Error {
	virt := seg.VirtAddr.PageBase()
	span := seg.VirtAddr.PageOffset() + seg.MemSize
	return t.MapRange(virt, backing, span, flagsForPerms(seg.Perms))
}

// Translate walks the table for virt and returns the physical address it
// resolves to along with the leaf entry's flags. ErrNotMapped is returned
// when any level is non-present.
func (t *Table) Translate(virt mem.VirtAddr) (mem.PhysAddr, EntryFlag, *kernel.Error) {
	tableAddr := t.root

	for level := 0; level < pageLevels; level++ {
		table, err := t.pm.Slice(tableAddr, uint64(mem.PageSize))
		if err != nil {
			return 0, 0, err
		}

		pte := readEntry(table, entryIndex(virt, level))
		if !pte.HasFlags(FlagPresent) {
			return 0, 0, ErrNotMapped
		}

		if level == pageLevels-1 {
			return pte.Frame().Offset(virt.PageOffset()), EntryFlag(pte) &^ entryAddrMask, nil
		}

		if pte.HasFlags(FlagHugePage) {
			return 0, 0, ErrHugePageUnsupported
		}
		tableAddr = pte.Frame()
	}

	return 0, 0, ErrNotMapped
}

// flagsForPerms converts segment permissions into leaf entry flags.
func flagsForPerms(perms image.Perms) EntryFlag {
	flags := FlagPresent
	if perms&image.PermWrite != 0 {
		flags |= FlagWritable
	}
	if perms&image.PermExec == 0 {
		flags |= FlagNoExecute
	}
	return flags
}
