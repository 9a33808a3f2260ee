package vmm

import (
	"encoding/binary"

	"github.com/ctfhacker/paintbrush/mem"
)

// EntryFlag describes a flag that can be applied to a page table entry.
type EntryFlag uint64

// x86-64 page table entry flags.
const (
	FlagPresent   EntryFlag = 1 << 0
	FlagWritable  EntryFlag = 1 << 1
	FlagUser      EntryFlag = 1 << 2
	FlagAccessed  EntryFlag = 1 << 5
	FlagHugePage  EntryFlag = 1 << 7
	FlagNoExecute EntryFlag = 1 << 63
)

// entryAddrMask selects the physical frame bits of an entry.
const entryAddrMask = 0x000f_ffff_ffff_f000

const (
	pageLevels      = 4
	entriesPerTable = 512
	entrySize       = 8
)

// pageLevelShifts holds the virtual address shift for each table level,
// topmost first.
var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

// HasAll returns true if f carries all the input flags.
func (f EntryFlag) HasAll(flags EntryFlag) bool {
	return f&flags == flags
}

// entry is one 8-byte page table entry: a physical frame address plus flags.
type entry uint64

// HasFlags returns true if this entry has all the input flags set.
func (e entry) HasFlags(flags EntryFlag) bool {
	return uint64(e)&uint64(flags) == uint64(flags)
}

// Frame returns the physical page frame this entry points to.
func (e entry) Frame() mem.PhysAddr {
	return mem.PhysAddr(uint64(e) & entryAddrMask)
}

// SetFrame updates the entry to point at the given physical frame.
func (e *entry) SetFrame(frame mem.PhysAddr) {
	*e = entry((uint64(*e) &^ uint64(entryAddrMask)) | uint64(frame)&entryAddrMask)
}

// SetFlags sets the input list of flags on the entry.
func (e *entry) SetFlags(flags EntryFlag) {
	*e = entry(uint64(*e) | uint64(flags))
}

// readEntry loads the index'th entry of a table page.
func readEntry(table []byte, index int) entry {
	return entry(binary.LittleEndian.Uint64(table[index*entrySize:]))
}

// writeEntry stores the index'th entry of a table page.
func writeEntry(table []byte, index int, e entry) {
	binary.LittleEndian.PutUint64(table[index*entrySize:], uint64(e))
}

// entryIndex extracts the table index for virt at the given level.
func entryIndex(virt mem.VirtAddr, level int) int {
	return int((uint64(virt) >> pageLevelShifts[level]) & (entriesPerTable - 1))
}
