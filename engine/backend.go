// backend.go - CPU-Backend: buendelt Arena, Graph-Builder und Scheduler
//
// Backend entspricht grob dem ml.Backend-Interface der cgo-Referenz
// (teacher ml/backend.go), hier aber mit genau einer Implementierung statt
// einer Registry, da spec.md nur eine Zielplattform kennt (CPU, spec §4.5).
// BackendParams uebernimmt die Feldnamen der Referenz, soweit sie Sinn
// ergeben (NumThreads), und laesst GPU-spezifische Felder (GPULayers,
// FlashAttention-Backend-Wahl) weg, da es keine GPU-Ausfuehrung gibt.
package engine

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/ggcore/ggcore/arena"
	"github.com/ggcore/ggcore/graph"
	"github.com/ggcore/ggcore/scheduler"
	"github.com/ggcore/ggcore/tensor"
)

// BackendParams configures a Backend. NumThreads <= 0 defaults to
// runtime.GOMAXPROCS(0), mirroring teacher BackendParams.NumThreads.
// ScratchBudget bounds the total scratch bytes of concurrently running
// Compute calls; 0 defaults to ArenaSize. BindNUMA pins workers to
// NUMA-local CPU sets on Linux.
type BackendParams struct {
	NumThreads    int
	ArenaSize     int
	ScratchBudget int64
	BindNUMA      bool
}

// Backend owns the arena buffer and thread count a Context's graphs are
// planned and executed against.
type Backend struct {
	params BackendParams

	// scratchSem limits how many scratch bytes may be in flight at once
	// across concurrent Forward/ForwardBackward calls; a plan larger than
	// the whole budget degrades to exclusive execution instead of failing.
	scratchSem *semaphore.Weighted
}

// NewBackend validates params and returns a Backend ready to mint Contexts.
func NewBackend(params BackendParams) (*Backend, error) {
	if params.NumThreads <= 0 {
		params.NumThreads = runtime.GOMAXPROCS(0)
	}
	if params.ArenaSize <= 0 {
		return nil, errors.New("engine: BackendParams.ArenaSize must be positive")
	}
	if params.ScratchBudget <= 0 {
		params.ScratchBudget = int64(params.ArenaSize)
	}
	slog.Debug("engine: new backend", "threads", params.NumThreads, "arena_size", params.ArenaSize)
	return &Backend{params: params, scratchSem: semaphore.NewWeighted(params.ScratchBudget)}, nil
}

// NewContext allocates a fresh arena of the backend's configured size and
// wraps it in a Context.
func (b *Backend) NewContext(name string) *Context {
	return New(arena.New(name, b.params.ArenaSize, nil, false))
}

// NewContextSize is NewContext with an explicit override of the arena size,
// for a one-off buffer smaller or larger than the backend's default.
func (b *Backend) NewContextSize(name string, size int) *Context {
	return New(arena.New(name, size, nil, false))
}

// Result is the outcome of a Forward/Backward compute call: the plan used
// (callers can report its WorkSize, useful for diagnostics) and the
// scheduler's terminal status.
type Result struct {
	Plan   *scheduler.Plan
	Status scheduler.Status
}

// Forward builds the forward graph rooted at outputs and runs it to
// completion. abort may be nil.
func (b *Backend) Forward(outputs []*tensor.Tensor, abort scheduler.AbortFunc) (*graph.Graph, *Result, error) {
	g := graph.BuildForward(outputs...)
	return b.run(g, abort)
}

// ForwardBackward builds the forward graph rooted at loss, expands it with
// reverse-mode gradients via graph.BuildBackward, and runs the combined
// graph to completion. Grad tensors end up populated on every node/leaf
// that graph.BuildBackward reached.
func (b *Backend) ForwardBackward(ctx *Context, loss *tensor.Tensor, abort scheduler.AbortFunc) (*graph.Graph, *Result, error) {
	g := graph.BuildForward(loss)
	if err := graph.BuildBackward(ctx.Arena, g, loss); err != nil {
		return nil, nil, err
	}
	return b.run(g, abort)
}

// ForwardBackwardCheckpoint is ForwardBackward with gradient
// checkpointing: intermediates between loss and the given checkpoint
// tensors are recomputed during the backward pass instead of being read
// from the forward pass.
func (b *Backend) ForwardBackwardCheckpoint(ctx *Context, loss *tensor.Tensor, checkpoints []*tensor.Tensor, abort scheduler.AbortFunc) (*graph.Graph, *Result, error) {
	g := graph.BuildForward(loss)
	if err := graph.BuildBackwardCheckpoint(ctx.Arena, g, loss, checkpoints); err != nil {
		return nil, nil, err
	}
	return b.run(g, abort)
}

func (b *Backend) run(g *graph.Graph, abort scheduler.AbortFunc) (*graph.Graph, *Result, error) {
	plan := scheduler.Build(g, b.params.NumThreads)
	plan.BindNUMA = b.params.BindNUMA

	weight := int64(plan.WorkSize)
	if weight > b.params.ScratchBudget {
		weight = b.params.ScratchBudget
	}
	if weight > 0 {
		if err := b.scratchSem.Acquire(context.Background(), weight); err != nil {
			return g, nil, errors.Wrap(err, "engine: acquire scratch budget")
		}
		defer b.scratchSem.Release(weight)
	}

	scratch := make([]byte, plan.WorkSize)
	status, err := scheduler.Compute(g, plan, scratch, abort)
	if err != nil {
		return g, nil, err
	}
	return g, &Result{Plan: plan, Status: status}, nil
}

// Config returns the parameters this backend was created with, with the
// thread count and scratch budget defaults filled in.
func (b *Backend) Config() BackendParams {
	return b.params
}
