package pmm

import (
	"github.com/ctfhacker/paintbrush/kernel"
	"github.com/ctfhacker/paintbrush/mem"
)

// maxRanges is the number of range slots a Set carries. Firmware memory maps
// top out at a few dozen conventional regions; the slack absorbs the
// fragmentation produced by carving allocations out of them.
const maxRanges = 128

var (
	// ErrMemoryMapNotFound is returned when the firmware reports no
	// usable conventional memory.
	ErrMemoryMapNotFound = &kernel.Error{Module: "pmm", Message: "firmware memory map contains no usable entries"}

	// ErrAllocationFailed is returned when no stored range can satisfy an
	// allocation request.
	ErrAllocationFailed = &kernel.Error{Module: "pmm", Message: "no free range large enough for allocation"}

	// ErrSetFull is returned when an operation would require more range
	// slots than a Set carries.
	ErrSetFull = &kernel.Error{Module: "pmm", Message: "range set capacity exhausted"}

	// ErrInvalidRange is returned for ranges whose end precedes their
	// start.
	ErrInvalidRange = &kernel.Error{Module: "pmm", Message: "range end precedes range start"}

	// ErrZeroSizedAllocation is returned for zero-byte allocation
	// requests.
	ErrZeroSizedAllocation = &kernel.Error{Module: "pmm", Message: "zero sized allocation"}

	// ErrUnalignedAllocation is returned when the requested alignment is
	// not a power of two.
	ErrUnalignedAllocation = &kernel.Error{Module: "pmm", Message: "allocation alignment not a power of two"}

	// ErrBadPartitionCount is returned when a partition request names
	// zero partitions or more partitions than the set holds bytes.
	ErrBadPartitionCount = &kernel.Error{Module: "pmm", Message: "invalid partition count"}
)

// Set is an ordered collection of disjoint free ranges backed by a fixed
// array. Ranges are kept sorted by start address so that allocation scans are
// deterministic, and adjacent free ranges are always merged on insert. The
// zero value is an empty set.
//
// A Set is single-owner state: it is mutated only on the boot processor and,
// once partitioned, each partition belongs to exactly one core.
type Set struct {
	ranges [maxRanges]Range
	length int
}

// Len returns the number of stored ranges.
func (s *Set) Len() int {
	return s.length
}

// Ranges returns a read-only view of the stored ranges in ascending start
// order.
func (s *Set) Ranges() []Range {
	return s.ranges[:s.length]
}

// TotalSize returns the total number of free bytes in the set.
func (s *Set) TotalSize() uint64 {
	var total uint64
	for i := 0; i < s.length; i++ {
		total += s.ranges[i].Size()
	}
	return total
}

// Contains returns true if addr falls inside one of the stored ranges.
func (s *Set) Contains(addr mem.PhysAddr) bool {
	for i := 0; i < s.length; i++ {
		if addr >= s.ranges[i].Start && addr < s.ranges[i].End {
			return true
		}
	}
	return false
}

// Clear empties the set.
func (s *Set) Clear() {
	s.length = 0
}

// deleteAt removes the range at index, preserving order.
func (s *Set) deleteAt(index int) {
	copy(s.ranges[index:], s.ranges[index+1:s.length])
	s.length--
}

// insertAt places r at index, shifting later ranges up.
func (s *Set) insertAt(index int, r Range) *kernel.Error {
	if s.length == maxRanges {
		return ErrSetFull
	}
	copy(s.ranges[index+1:s.length+1], s.ranges[index:s.length])
	s.ranges[index] = r
	s.length++
	return nil
}

// Insert adds the free range r to the set, merging it with every stored
// range it overlaps or touches so that no two stored ranges share a
// boundary.
func (s *Set) Insert(r Range) *kernel.Error {
	if !r.Valid() {
		return ErrInvalidRange
	}
	if r.Empty() {
		return nil
	}

	// Swallow every range the new one touches. Restart the scan after
	// each merge: extending r may bring it into contact with a range
	// already passed over.
merging:
	for {
		for i := 0; i < s.length; i++ {
			if !s.ranges[i].Touches(r) {
				continue
			}

			if s.ranges[i].Start < r.Start {
				r.Start = s.ranges[i].Start
			}
			if s.ranges[i].End > r.End {
				r.End = s.ranges[i].End
			}
			s.deleteAt(i)
			continue merging
		}
		break
	}

	// Place the merged range at its sorted position.
	pos := 0
	for pos < s.length && s.ranges[pos].Start < r.Start {
		pos++
	}
	return s.insertAt(pos, r)
}

// Remove carves r out of the set, trimming and splitting stored ranges as
// needed. Bytes of r not present in the set are ignored.
func (s *Set) Remove(r Range) *kernel.Error {
	if !r.Valid() {
		return ErrInvalidRange
	}
	if r.Empty() {
		return nil
	}

	for i := 0; i < s.length; {
		curr := s.ranges[i]
		if !curr.Overlaps(r) {
			i++
			continue
		}

		switch {
		case r.Contains(curr):
			s.deleteAt(i)

		case r.Start <= curr.Start:
			// Trim the head.
			s.ranges[i].Start = r.End
			i++

		case r.End >= curr.End:
			// Trim the tail.
			s.ranges[i].End = r.Start
			i++

		default:
			// r sits strictly inside curr; split into two pieces.
			s.ranges[i].End = r.Start
			if err := s.insertAt(i+1, Range{Start: r.End, End: curr.End}); err != nil {
				return err
			}
			i += 2
		}
	}

	return nil
}

// Allocate finds the lowest-addressed free range that, after rounding its
// start up to align, still provides size contiguous bytes. The consumed
// sub-range is removed from the set (splitting any remainder back into it)
// and returned. The scan is first-fit in ascending address order: allocation
// results are deterministic and low memory, which early boot structures need,
// is consumed before high memory is fragmented.
func (s *Set) Allocate(size, align uint64) (Range, *kernel.Error) {
	if size == 0 {
		return Range{}, ErrZeroSizedAllocation
	}
	if align == 0 || align&(align-1) != 0 {
		return Range{}, ErrUnalignedAllocation
	}

	for i := 0; i < s.length; i++ {
		start := mem.PhysAddr(mem.AlignUp(uint64(s.ranges[i].Start), align))
		if start < s.ranges[i].Start {
			// Aligning wrapped the address space.
			continue
		}

		end := start.Offset(size)
		if end < start || end > s.ranges[i].End {
			continue
		}

		got := Range{Start: start, End: end}
		if err := s.Remove(got); err != nil {
			return Range{}, err
		}
		return got, nil
	}

	return Range{}, ErrAllocationFailed
}

// AllocatePages allocates n page-aligned 4 KiB pages.
func (s *Set) AllocatePages(n uint64) (Range, *kernel.Error) {
	return s.Allocate(n*uint64(mem.PageSize), uint64(mem.PageSize))
}

// Partition divides the entire free capacity of the set into len(dst)
// disjoint partitions of as close to equal byte size as possible, assigning
// them in ascending address order. Any remainder from non-divisibility goes
// to the last partition. The receiver is consumed: after Partition returns
// successfully it is empty, and the union of the partitions equals the
// original free set.
//
// dst is caller-provided so that partitioning performs no allocation.
func (s *Set) Partition(dst []Set) *kernel.Error {
	n := len(dst)
	total := s.TotalSize()
	if n == 0 || uint64(n) > total {
		return ErrBadPartitionCount
	}

	per := total / uint64(n)

	next := 0 // index of the next range to consume
	for i := range dst {
		dst[i].Clear()

		want := per
		if i == n-1 {
			// Sweep the remainder into the last partition.
			want = total - per*uint64(n-1)
		}

		for want > 0 {
			r := s.ranges[next]
			take := r.Size()
			if take > want {
				take = want
			}

			piece := Range{Start: r.Start, End: r.Start.Offset(take)}
			if err := dst[i].Insert(piece); err != nil {
				return err
			}

			s.ranges[next].Start = piece.End
			if s.ranges[next].Empty() {
				next++
			}
			want -= take
		}
	}

	s.Clear()
	return nil
}
