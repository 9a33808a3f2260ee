// Package smp activates the application processors. Each core gets its own
// page table, stack and memory partition, plus a handoff record telling it
// where everything lives; liveness is confirmed through a bounded poll of
// the core's alive slot. A core that cannot be started or never reports in
// is recorded and skipped, never waited on: one dead core must not stop the
// rest of the machine from coming up.
package smp

import (
	"github.com/ctfhacker/paintbrush/config"
	"github.com/ctfhacker/paintbrush/firmware"
	"github.com/ctfhacker/paintbrush/handoff"
	"github.com/ctfhacker/paintbrush/image"
	"github.com/ctfhacker/paintbrush/kernel"
	"github.com/ctfhacker/paintbrush/kfmt"
	"github.com/ctfhacker/paintbrush/mem"
	"github.com/ctfhacker/paintbrush/mem/pmm"
	"github.com/ctfhacker/paintbrush/mem/vmm"
)

var (
	// ErrApStartFailed records a firmware rejection of a start request.
	ErrApStartFailed = &kernel.Error{Module: "smp", Message: "application processor start rejected"}

	// ErrApTimeout records a core that never published liveness within
	// the bounded poll.
	ErrApTimeout = &kernel.Error{Module: "smp", Message: "application processor did not report alive"}

	// ErrPreconditionUnmapped is returned when a core's entry point,
	// handoff record or stack does not resolve through its own page
	// table. There is no page-fault handler to hide such a gap.
	ErrPreconditionUnmapped = &kernel.Error{Module: "smp", Message: "core precondition address not mapped"}

	// ErrPartitionCountMismatch is returned when the partition list does
	// not cover every core.
	ErrPartitionCountMismatch = &kernel.Error{Module: "smp", Message: "one partition required per core"}
)

// Per-core kernel stack placement. Every core maps its stack at the same
// virtual range through its private table.
const (
	stackVirtBase = mem.VirtAddr(0x00007f8000000000)
)

// CoreState tracks one core through activation. States are terminal once
// reached except Starting.
type CoreState uint8

const (
	// StateNotStarted marks a core no start was attempted for.
	StateNotStarted CoreState = iota

	// StateStarting marks a core between StartProcessor and the poll
	// verdict.
	StateStarting

	// StateAlive marks a core that published liveness.
	StateAlive

	// StateTimedOut marks a core that exhausted the liveness poll.
	StateTimedOut

	// StateFailed marks a core the firmware refused to start.
	StateFailed
)

// String returns a human-readable state name.
func (s CoreState) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarting:
		return "starting"
	case StateAlive:
		return "alive"
	case StateTimedOut:
		return "timed-out"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// CoreStatus is the per-core activation outcome.
type CoreStatus struct {
	// State is the core's terminal activation state.
	State CoreState

	// Err carries the frame recorded for a Failed or TimedOut core.
	Err *kernel.Error

	// TableRoot is the core's page table root when one was built.
	TableRoot mem.PhysAddr
}

// SegmentBacking pairs a kernel segment with the shared physical region
// holding its populated bytes.
type SegmentBacking struct {
	Segment image.Segment
	Phys    mem.PhysAddr
}

// Sequencer drives application processor activation.
type Sequencer struct {
	fw       firmware.Services
	pm       mem.PhysMem
	cfg      *config.Config
	img      *image.ParsedImage
	backings []SegmentBacking
	arena    Arena

	status []CoreStatus
}

// New builds a sequencer for cores logical processors. backings must hold
// one populated backing per kernel segment; arena must cover cores records.
func New(fw firmware.Services, pm mem.PhysMem, cfg *config.Config, img *image.ParsedImage, backings []SegmentBacking, arena Arena, cores int) *Sequencer {
	return &Sequencer{
		fw:       fw,
		pm:       pm,
		cfg:      cfg,
		img:      img,
		backings: backings,
		arena:    arena,
		status:   make([]CoreStatus, cores),
	}
}

// Status returns the per-core activation outcomes. Index 0 is the boot
// processor.
func (s *Sequencer) Status() []CoreStatus {
	return s.status
}

// AliveCount returns the number of cores that published liveness.
func (s *Sequencer) AliveCount() int {
	count := 0
	for i := range s.status {
		if s.status[i].State == StateAlive {
			count++
		}
	}
	return count
}

// ActivateAll walks cores 1..n-1 in increasing index order, building each
// core's execution environment from its own partition and confirming
// liveness before moving on. Start rejections and liveness timeouts are
// recorded per core and never abort the sweep; zero live application
// processors is a valid outcome and the machine proceeds with the boot
// processor alone.
//
// Construction failures (exhausted partition, unmapped precondition) are
// loader bugs and abort with an error.
func (s *Sequencer) ActivateAll(partitions []pmm.Set, chain *kernel.Chain) *kernel.Error {
	if len(partitions) != len(s.status) {
		return chain.Report(ErrPartitionCountMismatch)
	}

	s.status[0].State = StateAlive // the boot processor is running this code

	for core := 1; core < len(s.status); core++ {
		if err := s.activateCore(core, &partitions[core], chain); err != nil {
			return err
		}
	}

	kfmt.Printf("[smp] %d/%d cores alive\n", s.AliveCount(), len(s.status))
	return nil
}

// activateCore brings one core up. Only environment-construction errors are
// returned; start rejection and liveness timeout end up in the core's
// status.
func (s *Sequencer) activateCore(core int, part *pmm.Set, chain *kernel.Chain) *kernel.Error {
	status := &s.status[core]

	// Page table derived from the firmware identity mapping; every table
	// page comes from the core's own partition.
	table, err := vmm.DeriveFrom(s.pm, part, s.fw.IdentityTableRoot())
	if err != nil {
		return chain.Report(err)
	}

	for i := range s.backings {
		b := &s.backings[i]
		if err := table.MapSegment(&b.Segment, b.Phys); err != nil {
			return chain.Report(err)
		}
	}

	// Stack carved from the core's partition, mapped at the fixed stack
	// range. No other core maps these frames.
	stack, err := part.Allocate(s.cfg.StackSize, uint64(mem.PageSize))
	if err != nil {
		return chain.Report(err)
	}
	if err := table.MapRange(stackVirtBase, stack.Start, s.cfg.StackSize,
		vmm.FlagPresent|vmm.FlagWritable|vmm.FlagNoExecute); err != nil {
		return chain.Report(err)
	}
	stackTop := stackVirtBase + mem.VirtAddr(s.cfg.StackSize)

	// The handoff record page rides on the identity mapping; mapping it
	// explicitly pins the translation against later identity changes.
	recordAddr := s.arena.RecordAddr(core)
	if err := table.MapRange(mem.VirtAddr(recordAddr), recordAddr,
		uint64(mem.PageSize), vmm.FlagPresent|vmm.FlagWritable); err != nil {
		return chain.Report(err)
	}

	rec := &handoff.Record{
		CoreIndex:   uint64(core),
		TableRoot:   table.Root(),
		KernelEntry: s.img.Entry,
		AliveSlot:   s.arena.AliveSlot(core),
		StatsBuffer: s.arena.StatsAddr(core),
		StackTop:    stackTop,
	}
	if err := rec.SetPartition(part); err != nil {
		return chain.Report(err)
	}
	if err := handoff.Build(s.pm, recordAddr, rec); err != nil {
		return chain.Report(err)
	}

	// Resident preconditions: the addresses the core touches before it
	// could possibly handle a fault must already resolve.
	entryPhys, err := s.checkResident(table, core, chain)
	if err != nil {
		return err
	}
	status.TableRoot = table.Root()

	status.State = StateStarting
	if err := s.fw.StartProcessor(core, entryPhys, recordAddr); err != nil {
		status.State = StateFailed
		status.Err = ErrApStartFailed
		kfmt.Printf("[smp] core %d: start rejected: %s\n", core, err.Message)
		return nil
	}

	s.pollAlive(core)
	return nil
}

// checkResident verifies the entry point, handoff record and stack resolve
// through the core's table and returns the entry point's physical address.
func (s *Sequencer) checkResident(table *vmm.Table, core int, chain *kernel.Chain) (mem.PhysAddr, *kernel.Error) {
	entryPhys, _, err := table.Translate(s.img.Entry)
	if err != nil {
		chain.Report(err)
		return 0, chain.Report(ErrPreconditionUnmapped)
	}

	probes := []mem.VirtAddr{
		mem.VirtAddr(s.arena.RecordAddr(core)),
		stackVirtBase,
		stackVirtBase + mem.VirtAddr(s.cfg.StackSize) - 1,
	}
	for _, virt := range probes {
		if _, _, err := table.Translate(virt); err != nil {
			chain.Report(err)
			return 0, chain.Report(ErrPreconditionUnmapped)
		}
	}
	return entryPhys, nil
}

// pollAlive spins on the core's alive slot for the configured iteration
// budget. The budget is the only clock: no wall time, no cancellation.
func (s *Sequencer) pollAlive(core int) {
	status := &s.status[core]

	slot, err := s.pm.Slice(s.arena.AliveSlot(core), handoff.AliveSlotSize)
	if err != nil {
		status.State = StateTimedOut
		status.Err = err
		return
	}

	for i := 0; i < s.cfg.PollIterations; i++ {
		if handoff.Alive(slot) {
			status.State = StateAlive
			kfmt.Printf("[smp] core %d: alive after %d polls\n", core, i)
			return
		}
		s.fw.Stall(s.cfg.PollStallMicros)
	}

	status.State = StateTimedOut
	status.Err = ErrApTimeout
	kfmt.Printf("[smp] core %d: no liveness after %d polls\n", core, s.cfg.PollIterations)
}
