package smp

import (
	"github.com/ctfhacker/paintbrush/handoff"
	"github.com/ctfhacker/paintbrush/mem"
)

// Arena is the handoff arena: one page per core holding that core's handoff
// record, alive slot and stats buffer. The arena is allocated from loader
// memory, never from a per-core partition, so a core's partition stays
// exclusively its own.
type Arena struct {
	base  mem.PhysAddr
	cores int
}

// Per-core page layout. The record sits at the page start; the alive slot
// and stats buffer follow at 8-byte aligned offsets past it.
const (
	arenaAliveOff = 0x180
	arenaStatsOff = 0x1c0
)

// ArenaSize returns the arena footprint for the given core count.
func ArenaSize(cores int) uint64 {
	return uint64(cores) * uint64(mem.PageSize)
}

// NewArena wraps a page-aligned allocation of at least ArenaSize(cores)
// bytes.
func NewArena(base mem.PhysAddr, cores int) Arena {
	return Arena{base: base, cores: cores}
}

// RecordAddr returns the physical address of the core's handoff record.
func (a *Arena) RecordAddr(core int) mem.PhysAddr {
	return a.base.Offset(uint64(core) << mem.PageShift)
}

// AliveSlot returns the physical address of the core's alive slot.
func (a *Arena) AliveSlot(core int) mem.PhysAddr {
	return a.RecordAddr(core).Offset(arenaAliveOff)
}

// StatsAddr returns the physical address of the core's stats buffer.
func (a *Arena) StatsAddr(core int) mem.PhysAddr {
	return a.RecordAddr(core).Offset(arenaStatsOff)
}

// The alive slot must not overlap the record ahead of it.
const _ = uint(arenaAliveOff - handoff.RecordSize)
