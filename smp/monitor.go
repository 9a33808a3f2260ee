package smp

import (
	montana "github.com/montanaflynn/stats"

	"github.com/ctfhacker/paintbrush/handoff"
	"github.com/ctfhacker/paintbrush/kfmt"
)

// Monitor reads every live core's stats buffer on the configured cadence
// and prints aggregate progress. Reads are best effort: the cores keep
// running and a stale snapshot is fine. Runs StatsRounds rounds, stalling
// StatsIntervalMicros between them, then returns.
func (s *Sequencer) Monitor() {
	deltas := make([]float64, 0, len(s.status))
	iters := make([]float64, 0, len(s.status))

	for round := 0; round < s.cfg.StatsRounds; round++ {
		s.fw.Stall(s.cfg.StatsIntervalMicros)

		deltas = deltas[:0]
		iters = iters[:0]
		for core := 1; core < len(s.status); core++ {
			if s.status[core].State != StateAlive {
				continue
			}

			buf, err := s.pm.Slice(s.arena.StatsAddr(core), handoff.StatsSize)
			if err != nil {
				continue
			}

			view := handoff.StatsView(buf)
			deltas = append(deltas, float64(view.LastTSC()-view.StartTSC()))
			iters = append(iters, float64(view.Iterations()))
		}
		if len(deltas) == 0 {
			return
		}

		meanCycles, _ := montana.Mean(montana.Float64Data(deltas))
		minCycles, _ := montana.Min(montana.Float64Data(deltas))
		maxCycles, _ := montana.Max(montana.Float64Data(deltas))
		meanIters, _ := montana.Mean(montana.Float64Data(iters))

		kfmt.Printf("[smp] stats round %d: cores %d, cycles mean %d min %d max %d, iterations mean %d\n",
			round, len(deltas), uint64(meanCycles), uint64(minCycles),
			uint64(maxCycles), uint64(meanIters))
	}
}
