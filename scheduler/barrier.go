// barrier.go - Lock-freie Aktiv-Warte-Barriere zwischen INIT/COMPUTE/FINALIZE
//
// Jede Phase eines Knotens wird durch einen atomaren Countdown-Zaehler
// synchronisiert: ein n_active-Zaehler faellt auf 0, sobald alle Worker die
// Phase verlassen haben; der letzte Worker setzt ihn zurueck und schaltet
// die Phase weiter. Es gibt keine OS-Synchronisationsprimitive im Hot Path
// (spec §4.5: "deterministic per-phase serialisation without OS-level
// synchronisation primitives").
package scheduler

import (
	"runtime"
	"sync/atomic"
)

// Phase tags one of the three barrier-separated stages of a single node's
// execution.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseCompute
	PhaseFinalize
	phaseDone
)

// barrier coordinates nWorkers goroutines through the INIT -> COMPUTE ->
// FINALIZE sequence for a single graph node, then releases them into the
// next node. It is reused across every node in a Compute call.
type barrier struct {
	nWorkers int32

	// tick counts completed barrier crossings and only ever increases;
	// every worker passes the same sequence of crossings, so a worker can
	// detect "has the phase moved on from under me" with one atomic load.
	tick atomic.Int64

	// remaining counts workers still inside the current phase; the worker
	// that decrements it to zero is responsible for advancing tick.
	remaining atomic.Int32

	aborted atomic.Bool
}

func newBarrier(nWorkers int) *barrier {
	b := &barrier{nWorkers: int32(nWorkers)}
	b.remaining.Store(b.nWorkers)
	return b
}

// arrive marks the calling worker as done with the phase at the current
// tick, then busy-waits until every worker has arrived (i.e. until tick
// advances). The worker that observes the last arrival advances tick and
// resets remaining for the next phase.
func (b *barrier) arrive(myTick int64) {
	if b.remaining.Add(-1) == 0 {
		b.remaining.Store(b.nWorkers)
		b.tick.Add(1)
		return
	}
	spins := 0
	for b.tick.Load() == myTick {
		spins++
		if spins > 1000 {
			runtime.Gosched()
			spins = 0
		}
	}
}

// Abort marks the barrier aborted; workers observe this at the next phase
// boundary and stop advancing nodes (spec §4.5 "Cancellation").
func (b *barrier) Abort() {
	b.aborted.Store(true)
}

// Aborted reports whether Abort was called.
func (b *barrier) Aborted() bool {
	return b.aborted.Load()
}
