// executor.go - Thread-Pool-Treiber fuer den INIT/COMPUTE/FINALIZE-Zyklus
//
// compute() spawnt T-1 Worker-Goroutinen und nutzt den aufrufenden
// Goroutine als Worker 0 (spec §5: "creates T-1 worker threads... uses the
// caller's thread as worker 0; all workers join before compute() returns").
// Jeder Knoten durchlaeuft die drei Barrieren-Phasen, bevor die naechste
// Knoten-Iteration beginnt.
package scheduler

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/ggcore/ggcore/graph"
)

// Status is the terminal outcome of a Compute call.
type Status int

const (
	StatusOK Status = iota
	StatusAborted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusAborted:
		return "ABORTED"
	default:
		return "FAILED"
	}
}

// AbortFunc is polled between nodes; returning true stops the executor
// cleanly after the current node's FINALIZE phase (spec §4.5
// "Cancellation": "in-flight writes are not rolled back").
type AbortFunc func() bool

// Compute runs g to completion using p.NThreads workers. scratch must be at
// least p.WorkSize bytes; it is reused across all nodes (each node's
// NodePlan carries its own disjoint offset/length into it).
func Compute(g *graph.Graph, p *Plan, scratch []byte, abort AbortFunc) (Status, error) {
	if len(scratch) < p.WorkSize {
		return StatusFailed, errors.Errorf("scheduler: scratch buffer too small: have %d, need %d", len(scratch), p.WorkSize)
	}

	slog.Debug("scheduler: compute", "nodes", len(g.Nodes), "threads", p.NThreads)

	b := newBarrier(p.NThreads)
	status := StatusOK

	var wg sync.WaitGroup
	for w := 1; w < p.NThreads; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			if p.BindNUMA {
				bindWorker(worker)
				defer unbindWorker()
			}
			runWorker(g, p, scratch, b, worker, abort)
		}(w)
	}
	if p.BindNUMA {
		bindWorker(0)
	}
	runWorker(g, p, scratch, b, 0, abort)
	if p.BindNUMA {
		unbindWorker()
	}
	wg.Wait()

	if b.Aborted() {
		status = StatusAborted
	}
	return status, nil
}

// runWorker drives one worker goroutine through every node's three
// barrier-separated phases. Worker 0 performs INIT and FINALIZE (spec
// §4.5: "one thread does meaningful work" for both); every worker with
// index < NodePlan.NTasks participates in COMPUTE.
func runWorker(g *graph.Graph, p *Plan, scratch []byte, b *barrier, worker int, abort AbortFunc) {
	tick := int64(0)
	for i, node := range g.Nodes {
		// Abort is polled by worker 0 only, then published across the
		// node-entry barrier so every worker observes the same decision
		// and they all leave together.
		if worker == 0 && abort != nil && abort() {
			b.Abort()
		}
		b.arrive(tick)
		tick++
		if b.Aborted() {
			return
		}

		kernel, ok := Kernel(node.Op)
		if !ok {
			panic(&KernelError{Op: node.Op, Msg: "no scheduler kernel registered"})
		}
		np := p.Nodes[i]
		nodeScratch := scratch[np.ScratchOff : np.ScratchOff+np.ScratchLen]

		if HasInit(node.Op) {
			if worker == 0 && kernel.Init != nil {
				kernel.Init(node, nodeScratch)
			}
			b.arrive(tick)
			tick++
		}

		if worker < np.NTasks {
			kernel.Compute(node, worker, np.NTasks, nodeScratch)
		}
		b.arrive(tick)
		tick++

		if HasFinalize(node.Op) {
			if worker == 0 && kernel.Finalize != nil {
				kernel.Finalize(node, nodeScratch)
			}
			b.arrive(tick)
			tick++
		}
	}
}
