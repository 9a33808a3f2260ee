// Package fwsim provides an in-memory machine for testing the loader: flat
// physical memory, a canned memory map, a file table standing in for the
// boot transport, and simulated application processors that run a pluggable
// kernel stub as a goroutine.
package fwsim

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ctfhacker/paintbrush/firmware"
	"github.com/ctfhacker/paintbrush/handoff"
	"github.com/ctfhacker/paintbrush/kernel"
	"github.com/ctfhacker/paintbrush/mem"
	"github.com/ctfhacker/paintbrush/mem/pmm"
	"github.com/ctfhacker/paintbrush/mem/vmm"
)

var (
	// ErrBadPhysAccess is returned for physical accesses outside the
	// machine's memory.
	ErrBadPhysAccess = &kernel.Error{Module: "fwsim", Message: "physical access outside simulated memory"}

	// ErrAlreadyStarted is returned when a core is started twice.
	ErrAlreadyStarted = &kernel.Error{Module: "fwsim", Message: "core already started"}

	// ErrMachineTooSmall is returned when the requested memory cannot
	// hold the firmware reserve.
	ErrMachineTooSmall = &kernel.Error{Module: "fwsim", Message: "machine memory smaller than firmware reserve"}
)

// firmwareReserve is the tail of simulated memory held back for the
// firmware's own identity page tables.
const firmwareReserve = 8 * 1024 * 1024

// KernelStub is the procedure a simulated application processor runs. The
// default stub implements the kernel side of the handoff contract.
type KernelStub func(m *Machine, core int, entry mem.PhysAddr, record mem.PhysAddr)

// Machine is one simulated machine. It implements firmware.Services and
// mem.PhysMem.
type Machine struct {
	memory      []byte
	descriptors []firmware.MemoryDescriptor
	files       map[string][]byte
	cores       int

	identityRoot mem.PhysAddr

	// Kernel runs on every started core. Replaceable per test.
	Kernel KernelStub

	// StartErr injects a per-core StartProcessor rejection.
	StartErr map[int]*kernel.Error

	// Silent cores accept the start request but never run.
	Silent map[int]bool

	mu      sync.Mutex
	started map[int]bool
	exited  bool

	stalls uint64
	tsc    uint64

	wg sync.WaitGroup
}

// New builds a machine with size bytes of physical memory and the given
// number of logical cores. The tail of memory is reserved for the
// firmware's identity page tables; the rest is reported as conventional.
func New(size uint64, cores int) (*Machine, *kernel.Error) {
	if size < 2*firmwareReserve || size&(uint64(mem.PageSize)-1) != 0 || cores < 1 {
		return nil, ErrMachineTooSmall
	}

	m := &Machine{
		memory: make([]byte, size),
		files:  map[string][]byte{},
		cores:  cores,
		Kernel: DefaultKernel,
		descriptors: []firmware.MemoryDescriptor{
			{
				PhysicalStart: 0,
				NumberOfPages: (size - firmwareReserve) >> mem.PageShift,
				Type:          firmware.MemConventional,
			},
			{
				PhysicalStart: mem.PhysAddr(size - firmwareReserve),
				NumberOfPages: firmwareReserve >> mem.PageShift,
				Type:          firmware.MemFirmware,
			},
		},
		started: map[int]bool{},
	}

	if err := m.buildIdentityTable(size); err != nil {
		return nil, err
	}
	return m, nil
}

// buildIdentityTable constructs a real 4-level identity mapping of the whole
// machine inside the firmware reserve, the same structure UEFI leaves
// behind.
func (m *Machine) buildIdentityTable(size uint64) *kernel.Error {
	var frames pmm.Set
	if err := frames.Insert(pmm.Range{
		Start: mem.PhysAddr(size - firmwareReserve),
		End:   mem.PhysAddr(size),
	}); err != nil {
		return err
	}

	table, err := vmm.New(m, &frames)
	if err != nil {
		return err
	}
	if err := table.MapRange(0, 0, size, vmm.FlagPresent|vmm.FlagWritable); err != nil {
		return err
	}

	m.identityRoot = table.Root()
	return nil
}

// AddFile serves data under name on the simulated boot transport.
func (m *Machine) AddFile(name string, data []byte) {
	m.files[name] = data
}

// Slice implements mem.PhysMem over the flat memory array.
func (m *Machine) Slice(addr mem.PhysAddr, size uint64) ([]byte, *kernel.Error) {
	if uint64(addr)+size > uint64(len(m.memory)) {
		return nil, ErrBadPhysAccess
	}
	return m.memory[addr : uint64(addr)+size], nil
}

// MemoryMap implements firmware.Services.
func (m *Machine) MemoryMap(buf []firmware.MemoryDescriptor) (int, *kernel.Error) {
	if len(buf) < len(m.descriptors) {
		return 0, firmware.ErrBufferTooSmall
	}
	return copy(buf, m.descriptors), nil
}

// ReadFile implements firmware.Services.
func (m *Machine) ReadFile(name string, buf []byte) (int, *kernel.Error) {
	data, ok := m.files[name]
	if !ok {
		return 0, firmware.ErrFileNotFound
	}
	if len(buf) < len(data) {
		return 0, firmware.ErrBufferTooSmall
	}
	return copy(buf, data), nil
}

// ProcessorCount implements firmware.Services.
func (m *Machine) ProcessorCount() (firmware.ProcessorCount, *kernel.Error) {
	return firmware.ProcessorCount{Total: m.cores, Enabled: m.cores}, nil
}

// StartProcessor implements firmware.Services. Accepted requests run the
// machine's kernel stub on a fresh goroutine, mirroring the asynchronous
// start of a real application processor.
func (m *Machine) StartProcessor(core int, entry mem.PhysAddr, arg mem.PhysAddr) *kernel.Error {
	if err := m.StartErr[core]; err != nil {
		return err
	}
	if core <= 0 || core >= m.cores {
		return firmware.ErrStartProcessorFailed
	}

	m.mu.Lock()
	if m.started[core] {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started[core] = true
	m.mu.Unlock()

	if m.Silent[core] {
		return nil
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Kernel(m, core, entry, arg)
	}()
	return nil
}

// ExitBootServices implements firmware.Services.
func (m *Machine) ExitBootServices() *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.exited {
		return firmware.ErrExitBootServicesFailed
	}
	m.exited = true
	return nil
}

// Stall implements firmware.Services. The sleep yields the processor so
// simulated cores make progress while the loader polls.
func (m *Machine) Stall(micros uint64) {
	atomic.AddUint64(&m.stalls, 1)
	time.Sleep(time.Duration(micros) * time.Microsecond)
}

// IdentityTableRoot implements firmware.Services.
func (m *Machine) IdentityTableRoot() mem.PhysAddr {
	return m.identityRoot
}

// Stalls returns how many times the loader stalled.
func (m *Machine) Stalls() uint64 {
	return atomic.LoadUint64(&m.stalls)
}

// Started reports whether a start request for core was accepted.
func (m *Machine) Started(core int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started[core]
}

// Exited reports whether boot services have been exited.
func (m *Machine) Exited() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exited
}

// Wait blocks until every simulated core has returned.
func (m *Machine) Wait() {
	m.wg.Wait()
}

// ReadTSC returns a monotonically increasing fake timestamp counter shared
// by all simulated cores.
func (m *Machine) ReadTSC() uint64 {
	return atomic.AddUint64(&m.tsc, 100)
}

// DefaultKernel is the kernel side of the handoff contract: decode the
// record, publish liveness, then run a short work loop updating the stats
// buffer.
func DefaultKernel(m *Machine, core int, entry mem.PhysAddr, record mem.PhysAddr) {
	buf, err := m.Slice(record, handoff.RecordSize)
	if err != nil {
		return
	}

	var rec handoff.Record
	if err := handoff.Decode(buf, &rec); err != nil {
		return
	}
	if rec.CoreIndex != uint64(core) {
		return
	}

	stats, err := m.Slice(rec.StatsBuffer, handoff.StatsSize)
	if err != nil {
		return
	}
	view := handoff.StatsView(stats)
	view.Start(m.ReadTSC())

	slot, err := m.Slice(rec.AliveSlot, handoff.AliveSlotSize)
	if err != nil {
		return
	}
	handoff.MarkAlive(slot)

	for i := 0; i < 100; i++ {
		view.Tick(m.ReadTSC())
	}
}
