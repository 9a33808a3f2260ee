// Package handoff defines the fixed-layout record the loader hands to each
// application core. The record is the only ABI between the independently
// compiled loader and kernel: every field sits at a frozen little-endian
// offset and the layout is versioned so either side can reject a mismatch.
package handoff

import (
	"encoding/binary"

	"github.com/ctfhacker/paintbrush/kernel"
	"github.com/ctfhacker/paintbrush/mem"
	"github.com/ctfhacker/paintbrush/mem/pmm"
)

const (
	// Magic identifies a handoff record ("PBOT" little-endian).
	Magic = 0x50424f54

	// Version is the layout version this package encodes and decodes.
	Version = 1

	// MaxPartitionRanges bounds the memory ranges one record can carry.
	MaxPartitionRanges = 16

	// RecordSize is the encoded size of one record in bytes.
	RecordSize = offRanges + MaxPartitionRanges*rangeEntrySize

	// AliveSlotSize is the size of one core's alive slot. The flag is a
	// single monotonic byte but lives in an 8-byte aligned slot so both
	// sides use plain aligned loads and stores.
	AliveSlotSize = 8
)

// Field offsets within an encoded record.
const (
	offMagic      = 0x00
	offVersion    = 0x04
	offCoreIndex  = 0x08
	offTableRoot  = 0x10
	offEntry      = 0x18
	offAliveSlot  = 0x20
	offStats      = 0x28
	offStackTop   = 0x30
	offRangeCount = 0x38
	offRanges     = 0x40

	rangeEntrySize = 16
)

var (
	// ErrRecordBufferTooSmall is returned when an encode or decode
	// buffer cannot hold a full record.
	ErrRecordBufferTooSmall = &kernel.Error{Module: "handoff", Message: "buffer smaller than handoff record"}

	// ErrBadMagic is returned when decoding a buffer that does not start
	// with the record magic.
	ErrBadMagic = &kernel.Error{Module: "handoff", Message: "handoff record magic mismatch"}

	// ErrBadVersion is returned for a record encoded with a different
	// layout version.
	ErrBadVersion = &kernel.Error{Module: "handoff", Message: "handoff record layout version mismatch"}

	// ErrTooManyRanges is returned when a partition holds more ranges
	// than the record can carry.
	ErrTooManyRanges = &kernel.Error{Module: "handoff", Message: "partition exceeds handoff range capacity"}
)

// Record is the decoded form of one core's handoff record.
type Record struct {
	// CoreIndex is the logical index of the target core.
	CoreIndex uint64

	// TableRoot is the physical address of the core's page table root.
	TableRoot mem.PhysAddr

	// KernelEntry is the virtual address the core jumps to.
	KernelEntry mem.VirtAddr

	// AliveSlot is the physical address of the core's alive slot.
	AliveSlot mem.PhysAddr

	// StatsBuffer is the physical address of the core's stats buffer.
	StatsBuffer mem.PhysAddr

	// StackTop is the virtual address of the top of the core's stack.
	StackTop mem.VirtAddr

	partition  [MaxPartitionRanges]pmm.Range
	rangeCount int
}

// SetPartition copies the ranges of the core's memory partition into the
// record.
func (r *Record) SetPartition(set *pmm.Set) *kernel.Error {
	ranges := set.Ranges()
	if len(ranges) > MaxPartitionRanges {
		return ErrTooManyRanges
	}

	r.rangeCount = copy(r.partition[:], ranges)
	return nil
}

// Partition returns the ranges of the core's memory partition.
func (r *Record) Partition() []pmm.Range {
	return r.partition[:r.rangeCount]
}

// Encode writes the record into buf using the frozen layout. Bytes not
// covered by a field are cleared.
func (r *Record) Encode(buf []byte) *kernel.Error {
	if len(buf) < RecordSize {
		return ErrRecordBufferTooSmall
	}

	out := buf[:RecordSize]
	for i := range out {
		out[i] = 0
	}

	binary.LittleEndian.PutUint32(out[offMagic:], Magic)
	binary.LittleEndian.PutUint32(out[offVersion:], Version)
	binary.LittleEndian.PutUint64(out[offCoreIndex:], r.CoreIndex)
	binary.LittleEndian.PutUint64(out[offTableRoot:], uint64(r.TableRoot))
	binary.LittleEndian.PutUint64(out[offEntry:], uint64(r.KernelEntry))
	binary.LittleEndian.PutUint64(out[offAliveSlot:], uint64(r.AliveSlot))
	binary.LittleEndian.PutUint64(out[offStats:], uint64(r.StatsBuffer))
	binary.LittleEndian.PutUint64(out[offStackTop:], uint64(r.StackTop))
	binary.LittleEndian.PutUint64(out[offRangeCount:], uint64(r.rangeCount))

	for i := 0; i < r.rangeCount; i++ {
		off := offRanges + i*rangeEntrySize
		binary.LittleEndian.PutUint64(out[off:], uint64(r.partition[i].Start))
		binary.LittleEndian.PutUint64(out[off+8:], uint64(r.partition[i].End))
	}
	return nil
}

// Decode parses an encoded record, rejecting unknown magics and layout
// versions. It is the kernel-side entry point to the handoff contract.
func Decode(buf []byte, rec *Record) *kernel.Error {
	if len(buf) < RecordSize {
		return ErrRecordBufferTooSmall
	}
	if binary.LittleEndian.Uint32(buf[offMagic:]) != Magic {
		return ErrBadMagic
	}
	if binary.LittleEndian.Uint32(buf[offVersion:]) != Version {
		return ErrBadVersion
	}

	count := binary.LittleEndian.Uint64(buf[offRangeCount:])
	if count > MaxPartitionRanges {
		return ErrTooManyRanges
	}

	rec.CoreIndex = binary.LittleEndian.Uint64(buf[offCoreIndex:])
	rec.TableRoot = mem.PhysAddr(binary.LittleEndian.Uint64(buf[offTableRoot:]))
	rec.KernelEntry = mem.VirtAddr(binary.LittleEndian.Uint64(buf[offEntry:]))
	rec.AliveSlot = mem.PhysAddr(binary.LittleEndian.Uint64(buf[offAliveSlot:]))
	rec.StatsBuffer = mem.PhysAddr(binary.LittleEndian.Uint64(buf[offStats:]))
	rec.StackTop = mem.VirtAddr(binary.LittleEndian.Uint64(buf[offStackTop:]))

	rec.rangeCount = int(count)
	for i := 0; i < rec.rangeCount; i++ {
		off := offRanges + i*rangeEntrySize
		rec.partition[i] = pmm.Range{
			Start: mem.PhysAddr(binary.LittleEndian.Uint64(buf[off:])),
			End:   mem.PhysAddr(binary.LittleEndian.Uint64(buf[off+8:])),
		}
	}
	return nil
}

// Build writes the record into physical memory at recordAddr and
// zero-initializes the alive slot and stats buffer it points at. After the
// target core has been started the loader never writes any of the three
// regions again.
func Build(pm mem.PhysMem, recordAddr mem.PhysAddr, rec *Record) *kernel.Error {
	buf, err := pm.Slice(recordAddr, RecordSize)
	if err != nil {
		return err
	}
	if err := rec.Encode(buf); err != nil {
		return err
	}

	slot, err := pm.Slice(rec.AliveSlot, AliveSlotSize)
	if err != nil {
		return err
	}
	for i := range slot {
		slot[i] = 0
	}

	stats, err := pm.Slice(rec.StatsBuffer, StatsSize)
	if err != nil {
		return err
	}
	for i := range stats {
		stats[i] = 0
	}
	return nil
}
