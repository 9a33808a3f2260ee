package handoff

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctfhacker/paintbrush/kernel"
	"github.com/ctfhacker/paintbrush/mem"
	"github.com/ctfhacker/paintbrush/mem/pmm"
)

func testRecord(t *testing.T) *Record {
	t.Helper()

	rec := &Record{
		CoreIndex:   3,
		TableRoot:   0x140000,
		KernelEntry: 0x140001100,
		AliveSlot:   0x150018,
		StatsBuffer: 0x150040,
		StackTop:    0x7fffff00000,
	}

	var part pmm.Set
	require.Nil(t, part.Insert(pmm.Range{Start: 0x200000, End: 0x400000}))
	require.Nil(t, part.Insert(pmm.Range{Start: 0x800000, End: 0x900000}))
	require.Nil(t, rec.SetPartition(&part))
	return rec
}

// TestEncodedLayout freezes the wire offsets. A failure here is an ABI
// break, not a refactoring artifact.
func TestEncodedLayout(t *testing.T) {
	rec := testRecord(t)

	var buf [RecordSize]byte
	require.Nil(t, rec.Encode(buf[:]))

	assert.Equal(t, 0x140, RecordSize)
	assert.Equal(t, []byte{'T', 'O', 'B', 'P'}, buf[0x00:0x04])
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(buf[0x04:]))
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(buf[0x08:]))
	assert.Equal(t, uint64(0x140000), binary.LittleEndian.Uint64(buf[0x10:]))
	assert.Equal(t, uint64(0x140001100), binary.LittleEndian.Uint64(buf[0x18:]))
	assert.Equal(t, uint64(0x150018), binary.LittleEndian.Uint64(buf[0x20:]))
	assert.Equal(t, uint64(0x150040), binary.LittleEndian.Uint64(buf[0x28:]))
	assert.Equal(t, uint64(0x7fffff00000), binary.LittleEndian.Uint64(buf[0x30:]))
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(buf[0x38:]))
	assert.Equal(t, uint64(0x200000), binary.LittleEndian.Uint64(buf[0x40:]))
	assert.Equal(t, uint64(0x400000), binary.LittleEndian.Uint64(buf[0x48:]))
	assert.Equal(t, uint64(0x800000), binary.LittleEndian.Uint64(buf[0x50:]))
	assert.Equal(t, uint64(0x900000), binary.LittleEndian.Uint64(buf[0x58:]))

	// Unused range slots stay zero.
	for _, b := range buf[0x60:] {
		require.Zero(t, b)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rec := testRecord(t)

	var buf [RecordSize]byte
	require.Nil(t, rec.Encode(buf[:]))

	var got Record
	require.Nil(t, Decode(buf[:], &got))
	assert.Equal(t, *rec, got)
	assert.Equal(t, []pmm.Range{
		{Start: 0x200000, End: 0x400000},
		{Start: 0x800000, End: 0x900000},
	}, got.Partition())
}

func TestDecodeRejections(t *testing.T) {
	rec := testRecord(t)

	var buf [RecordSize]byte
	require.Nil(t, rec.Encode(buf[:]))

	var got Record
	assert.Same(t, ErrRecordBufferTooSmall, Decode(buf[:RecordSize-1], &got))

	bad := buf
	bad[0] ^= 0xff
	assert.Same(t, ErrBadMagic, Decode(bad[:], &got))

	bad = buf
	binary.LittleEndian.PutUint32(bad[0x04:], 2)
	assert.Same(t, ErrBadVersion, Decode(bad[:], &got))

	bad = buf
	binary.LittleEndian.PutUint64(bad[0x38:], MaxPartitionRanges+1)
	assert.Same(t, ErrTooManyRanges, Decode(bad[:], &got))
}

func TestSetPartitionCapacity(t *testing.T) {
	var part pmm.Set
	for i := 0; i < MaxPartitionRanges+1; i++ {
		start := mem.PhysAddr(i * 0x10000)
		require.Nil(t, part.Insert(pmm.Range{Start: start, End: start + 0x1000}))
	}

	var rec Record
	assert.Same(t, ErrTooManyRanges, rec.SetPartition(&part))
}

var errBadAccess = &kernel.Error{Module: "handoff_test", Message: "physical access out of bounds"}

type flatMem struct {
	data []byte
}

func (m *flatMem) Slice(addr mem.PhysAddr, size uint64) ([]byte, *kernel.Error) {
	if uint64(addr)+size > uint64(len(m.data)) {
		return nil, errBadAccess
	}
	return m.data[addr : uint64(addr)+size], nil
}

func TestBuild(t *testing.T) {
	pm := &flatMem{data: make([]byte, 0x10000)}

	// Dirty the regions Build must clear.
	for i := range pm.data {
		pm.data[i] = 0xaa
	}

	rec := &Record{
		CoreIndex:   1,
		TableRoot:   0x1000,
		KernelEntry: 0x140001000,
		AliveSlot:   0x4000,
		StatsBuffer: 0x4040,
		StackTop:    0x7fffff00000,
	}
	require.Nil(t, Build(pm, 0x2000, rec))

	var got Record
	require.Nil(t, Decode(pm.data[0x2000:0x2000+RecordSize], &got))
	assert.Equal(t, *rec, got)

	// Alive slot and stats start zeroed.
	assert.False(t, Alive(pm.data[0x4000 : 0x4000+AliveSlotSize]))
	stats := StatsView(pm.data[0x4040 : 0x4040+StatsSize])
	assert.Zero(t, stats.StartTSC())
	assert.Zero(t, stats.LastTSC())
	assert.Zero(t, stats.Iterations())
}

func TestAliveSlot(t *testing.T) {
	slot := make([]byte, AliveSlotSize)

	assert.False(t, Alive(slot))
	MarkAlive(slot)
	assert.True(t, Alive(slot))
}

func TestStatsView(t *testing.T) {
	stats := StatsView(make([]byte, StatsSize))

	stats.Start(1000)
	assert.Equal(t, uint64(1000), stats.StartTSC())
	assert.Equal(t, uint64(1000), stats.LastTSC())
	assert.Zero(t, stats.Iterations())

	stats.Tick(1500)
	stats.Tick(2100)
	assert.Equal(t, uint64(2100), stats.LastTSC())
	assert.Equal(t, uint64(2), stats.Iterations())
}
