// Package loader ties the boot pipeline together: take over the firmware's
// memory map, fetch and parse the kernel, populate its segments, hand every
// application processor its own slice of the machine and bring the cores
// up. Everything before ExitBootServices is fatal on failure; after the
// first core start only construction bugs abort, a misbehaving core is
// recorded and routed around.
package loader

import (
	"github.com/ctfhacker/paintbrush/config"
	"github.com/ctfhacker/paintbrush/firmware"
	"github.com/ctfhacker/paintbrush/image"
	"github.com/ctfhacker/paintbrush/kernel"
	"github.com/ctfhacker/paintbrush/kfmt"
	"github.com/ctfhacker/paintbrush/mem"
	"github.com/ctfhacker/paintbrush/mem/pmm"
	"github.com/ctfhacker/paintbrush/smp"
)

// Report summarizes a boot.
type Report struct {
	// Cores is the number of logical cores the loader drove, including
	// the boot processor.
	Cores int

	// ActiveCores counts cores that are alive, including the boot
	// processor.
	ActiveCores int

	// TimedOut and Failed count cores that never reported in and cores
	// the firmware refused to start.
	TimedOut int
	Failed   int

	// KernelEntry is the virtual entry point every core jumped to.
	KernelEntry mem.VirtAddr

	// Statuses holds the per-core activation outcomes.
	Statuses []smp.CoreStatus
}

// Boot runs the full pipeline. On a fatal error the accumulated error chain
// is printed and the top frame returned.
func Boot(fw firmware.Services, pm mem.PhysMem, cfg *config.Config) (*Report, *kernel.Error) {
	var chain kernel.Chain

	fatal := func(err *kernel.Error) (*Report, *kernel.Error) {
		kfmt.Printf("[loader] boot failed:\n")
		for _, frame := range chain.Frames() {
			kfmt.Printf("\t[%s] %s\n", frame.Module, frame.Message)
		}
		return nil, err
	}

	// Every byte the loader hands out descends from this set.
	exclude := make([]pmm.Range, 0, len(cfg.Reserved))
	for _, r := range cfg.Reserved {
		exclude = append(exclude, pmm.Range{
			Start: mem.PhysAddr(r.Start),
			End:   mem.PhysAddr(r.End),
		})
	}
	free, err := pmm.FromMemoryMap(fw, &chain, exclude...)
	if err != nil {
		return fatal(err)
	}
	pmm.PrintMemoryMap(fw, &free)

	// Fetch and parse the kernel once; all cores share the result.
	kernBuf, err := free.Allocate(cfg.KernelBufferSize, uint64(mem.PageSize))
	if err != nil {
		return fatal(chain.Report(err))
	}
	buf, err := pm.Slice(kernBuf.Start, kernBuf.Size())
	if err != nil {
		return fatal(chain.Report(err))
	}

	data, err := image.Fetch(fw, &chain, cfg.KernelPath, buf)
	if err != nil {
		return fatal(err)
	}
	kfmt.Printf("[loader] fetched %s: %d bytes\n", cfg.KernelPath, len(data))

	img, err := image.Parse(data, &chain)
	if err != nil {
		return fatal(err)
	}
	kfmt.Printf("[loader] kernel entry 0x%x, %d segments\n",
		uint64(img.Entry), len(img.Segments()))

	backings, err := populateSegments(pm, &free, data, img)
	if err != nil {
		return fatal(chain.Report(err))
	}

	// Core count: enabled processors, optionally capped by policy.
	procs, err := fw.ProcessorCount()
	if err != nil {
		return fatal(chain.Report(err))
	}
	cores := procs.Enabled
	if cfg.MaxCores > 0 && cores > cfg.MaxCores {
		cores = cfg.MaxCores
	}
	if cores < 1 {
		cores = 1
	}

	arenaRange, err := free.Allocate(smp.ArenaSize(cores), cfg.HandoffArenaAlign)
	if err != nil {
		return fatal(chain.Report(err))
	}
	arena := smp.NewArena(arenaRange.Start, cores)

	// Everything still free is divided between the cores; the boot
	// processor keeps partition 0.
	partitions := make([]pmm.Set, cores)
	if err := free.Partition(partitions); err != nil {
		return fatal(chain.Report(err))
	}

	if err := fw.ExitBootServices(); err != nil {
		return fatal(chain.Report(err))
	}
	kfmt.Printf("[loader] boot services exited, activating %d cores\n", cores)

	seq := smp.New(fw, pm, cfg, img, backings, arena, cores)
	if err := seq.ActivateAll(partitions, &chain); err != nil {
		return fatal(err)
	}
	seq.Monitor()

	report := &Report{
		Cores:       cores,
		ActiveCores: seq.AliveCount(),
		KernelEntry: img.Entry,
		Statuses:    seq.Status(),
	}
	for _, status := range report.Statuses {
		switch status.State {
		case smp.StateTimedOut:
			report.TimedOut++
		case smp.StateFailed:
			report.Failed++
		}
	}
	return report, nil
}

// populateSegments allocates one shared physical backing per kernel segment
// and fills it: raw bytes copied from the download buffer, the zero-fill
// tail cleared. Backings are page-granular so per-core tables can map them
// directly.
func populateSegments(pm mem.PhysMem, free *pmm.Set, data []byte, img *image.ParsedImage) ([]smp.SegmentBacking, *kernel.Error) {
	segments := img.Segments()
	backings := make([]smp.SegmentBacking, 0, len(segments))

	for i := range segments {
		seg := segments[i]

		span := mem.AlignUp(seg.VirtAddr.PageOffset()+seg.MemSize, uint64(mem.PageSize))
		r, err := free.Allocate(span, uint64(mem.PageSize))
		if err != nil {
			return nil, err
		}

		buf, err := pm.Slice(r.Start, r.Size())
		if err != nil {
			return nil, err
		}
		for j := range buf {
			buf[j] = 0
		}
		copy(buf[seg.VirtAddr.PageOffset():], data[seg.RawOffset:seg.RawOffset+seg.RawSize])

		backings = append(backings, smp.SegmentBacking{Segment: seg, Phys: r.Start})
	}
	return backings, nil
}
