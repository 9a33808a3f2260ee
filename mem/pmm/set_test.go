package pmm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctfhacker/paintbrush/mem"
)

// checkInvariants asserts that the stored ranges are sorted, strictly
// disjoint and never share a boundary.
func checkInvariants(t *testing.T, s *Set) {
	t.Helper()

	ranges := s.Ranges()
	for i, r := range ranges {
		assert.True(t, r.Valid(), "range %d invalid: %+v", i, r)
		assert.False(t, r.Empty(), "range %d empty: %+v", i, r)
		if i == 0 {
			continue
		}
		assert.Less(t, uint64(ranges[i-1].End), uint64(r.Start),
			"ranges %d and %d overlap or touch", i-1, i)
	}
}

func TestInsertMerges(t *testing.T) {
	specs := []struct {
		inserts []Range
		exp     []Range
	}{
		// Disjoint ranges stay separate.
		{
			[]Range{{0, 2}, {4, 6}},
			[]Range{{0, 2}, {4, 6}},
		},
		// A middle insert bridging two ranges collapses all three.
		{
			[]Range{{0, 2}, {4, 6}, {2, 4}},
			[]Range{{0, 6}},
		},
		// Overlap extends an existing range.
		{
			[]Range{{0, 6}, {4, 10}},
			[]Range{{0, 10}},
		},
		// Adjacency (shared boundary) merges.
		{
			[]Range{{0, 5}, {5, 9}},
			[]Range{{0, 9}},
		},
		// Engulfing an existing range.
		{
			[]Range{{1, 4}, {0, 5}},
			[]Range{{0, 5}},
		},
		// Inserts arrive out of address order but are stored sorted.
		{
			[]Range{{8, 9}, {0, 1}, {4, 5}},
			[]Range{{0, 1}, {4, 5}, {8, 9}},
		},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			var s Set
			for _, r := range spec.inserts {
				require.Nil(t, s.Insert(r))
			}
			assert.Equal(t, spec.exp, s.Ranges())
			checkInvariants(t, &s)
		})
	}
}

func TestInsertRejectsInvalidRange(t *testing.T) {
	var s Set
	assert.Same(t, ErrInvalidRange, s.Insert(Range{Start: 5, End: 1}))
	assert.Equal(t, 0, s.Len())
}

func TestRemove(t *testing.T) {
	specs := []struct {
		initial []Range
		remove  Range
		exp     []Range
	}{
		// Carve out of the middle: split.
		{[]Range{{0, 10}}, Range{2, 7}, []Range{{0, 2}, {7, 10}}},
		// Trim the head.
		{[]Range{{0, 10}}, Range{0, 3}, []Range{{3, 10}}},
		// Trim the tail.
		{[]Range{{0, 10}}, Range{7, 10}, []Range{{0, 7}}},
		// Engulf the whole range.
		{[]Range{{2, 4}, {6, 8}}, Range{0, 10}, nil},
		// Straddle two ranges.
		{[]Range{{0, 4}, {6, 10}}, Range{2, 8}, []Range{{0, 2}, {8, 10}}},
		// Remove bytes not present: no effect.
		{[]Range{{0, 4}}, Range{10, 20}, []Range{{0, 4}}},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			var s Set
			for _, r := range spec.initial {
				require.Nil(t, s.Insert(r))
			}
			require.Nil(t, s.Remove(spec.remove))

			if spec.exp == nil {
				assert.Equal(t, 0, s.Len())
			} else {
				assert.Equal(t, spec.exp, s.Ranges())
			}
			checkInvariants(t, &s)
		})
	}
}

func TestAllocateFirstFit(t *testing.T) {
	var s Set
	require.Nil(t, s.Insert(Range{Start: 5, End: 33}))

	// The candidate start is rounded up to the alignment inside the
	// lowest range that still fits the request.
	got, err := s.Allocate(5, 16)
	require.Nil(t, err)
	assert.Equal(t, Range{Start: 16, End: 21}, got)
	assert.Equal(t, []Range{{5, 16}, {21, 33}}, s.Ranges())
	checkInvariants(t, &s)

	// A looser alignment fits the leftover head fragment.
	got, err = s.Allocate(5, 8)
	require.Nil(t, err)
	assert.Equal(t, Range{Start: 8, End: 13}, got)
	assert.Equal(t, []Range{{5, 8}, {13, 16}, {21, 33}}, s.Ranges())
	checkInvariants(t, &s)
}

func TestAllocatePrefersLowMemory(t *testing.T) {
	var s Set
	require.Nil(t, s.Insert(Range{Start: 0x1000, End: 0x2000}))
	require.Nil(t, s.Insert(Range{Start: 0x100000, End: 0x200000}))

	// Both ranges could satisfy the request; first-fit must take the
	// lower one.
	got, err := s.Allocate(0x800, 0x10)
	require.Nil(t, err)
	assert.Equal(t, mem.PhysAddr(0x1000), got.Start)
}

func TestAllocateProperties(t *testing.T) {
	var s Set
	require.Nil(t, s.Insert(Range{Start: 0x1234, End: 0x100000}))

	before := s.TotalSize()
	got, err := s.Allocate(0x3000, 0x1000)
	require.Nil(t, err)

	// Aligned, large enough, and fully removed from the free set.
	assert.Zero(t, uint64(got.Start)&0xfff)
	assert.GreaterOrEqual(t, got.Size(), uint64(0x3000))
	assert.Equal(t, before-got.Size(), s.TotalSize())
	for _, r := range s.Ranges() {
		assert.False(t, r.Overlaps(got))
	}
	checkInvariants(t, &s)
}

func TestAllocateFailures(t *testing.T) {
	var s Set
	require.Nil(t, s.Insert(Range{Start: 0, End: 32}))

	_, err := s.Allocate(64, 0x100)
	assert.Same(t, ErrAllocationFailed, err)

	_, err = s.Allocate(0, 0x10)
	assert.Same(t, ErrZeroSizedAllocation, err)

	_, err = s.Allocate(16, 3)
	assert.Same(t, ErrUnalignedAllocation, err)

	// Failed allocations must not disturb the free set.
	assert.Equal(t, []Range{{0, 32}}, s.Ranges())
}

func TestAllocatePages(t *testing.T) {
	var s Set
	require.Nil(t, s.Insert(Range{Start: 0x123, End: 0x100000}))

	got, err := s.AllocatePages(3)
	require.Nil(t, err)
	assert.Zero(t, uint64(got.Start)&0xfff)
	assert.Equal(t, 3*uint64(mem.PageSize), got.Size())
}

func TestPartitionEqual(t *testing.T) {
	var s Set
	require.Nil(t, s.Insert(Range{Start: 0, End: mem.PhysAddr(mem.Gb)}))

	var parts [4]Set
	require.Nil(t, s.Partition(parts[:]))

	// Four 256 MiB partitions in ascending address order, receiver
	// consumed.
	assert.Equal(t, 0, s.Len())
	for i := range parts {
		assert.Equal(t, uint64(256*mem.Mb), parts[i].TotalSize(), "partition %d", i)
		assert.Equal(t, []Range{{
			Start: mem.PhysAddr(uint64(i) * uint64(256*mem.Mb)),
			End:   mem.PhysAddr(uint64(i+1) * uint64(256*mem.Mb)),
		}}, parts[i].Ranges())
	}
}

func TestPartitionRemainderToLast(t *testing.T) {
	var s Set
	require.Nil(t, s.Insert(Range{Start: 0, End: 10}))

	var parts [3]Set
	require.Nil(t, s.Partition(parts[:]))

	assert.Equal(t, uint64(3), parts[0].TotalSize())
	assert.Equal(t, uint64(3), parts[1].TotalSize())
	assert.Equal(t, uint64(4), parts[2].TotalSize())
}

func TestPartitionFragmented(t *testing.T) {
	var s Set
	require.Nil(t, s.Insert(Range{Start: 0, End: 6}))
	require.Nil(t, s.Insert(Range{Start: 10, End: 16}))
	require.Nil(t, s.Insert(Range{Start: 20, End: 24}))
	total := s.TotalSize()

	var parts [4]Set
	require.Nil(t, s.Partition(parts[:]))

	// The union of the partitions covers the original free total exactly
	// and the partitions are pairwise disjoint.
	var sum uint64
	for i := range parts {
		sum += parts[i].TotalSize()
		checkInvariants(t, &parts[i])
		for j := i + 1; j < len(parts); j++ {
			for _, a := range parts[i].Ranges() {
				for _, b := range parts[j].Ranges() {
					assert.False(t, a.Overlaps(b),
						"partitions %d and %d overlap", i, j)
				}
			}
		}
	}
	assert.Equal(t, total, sum)
	assert.Equal(t, 0, s.Len())
}

func TestPartitionBadCount(t *testing.T) {
	var s Set
	require.Nil(t, s.Insert(Range{Start: 0, End: 2}))

	assert.Same(t, ErrBadPartitionCount, s.Partition(nil))

	var tooMany [3]Set
	assert.Same(t, ErrBadPartitionCount, s.Partition(tooMany[:]))
}
