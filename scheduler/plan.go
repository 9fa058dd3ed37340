// plan.go - Pro-Knoten Task-Anzahl und Scratch-Groessen-Schaetzung
//
// plan() weist jedem Knoten eine Task-Anzahl zu (Elementweise/Matmul/Faltung
// -> T, Struktur-Ops wie reshape/view/permute -> 1) und summiert den
// Scratch-Bedarf ueber alle Knoten (spec §4.5 "Plan").
package scheduler

import (
	"github.com/ggcore/ggcore/graph"
	"github.com/ggcore/ggcore/quant"
	"github.com/ggcore/ggcore/tensor"
)

// cacheLinePadding bounds false-sharing between per-worker scratch slices
// (spec §4.5: "+ cache-line padding per worker").
const cacheLinePadding = 64

// NodePlan is the per-node scheduling decision: how many worker tasks run
// its COMPUTE phase and which span of the shared scratch buffer its kernel
// phases use.
type NodePlan struct {
	NTasks     int
	ScratchOff int // offset into the shared scratch buffer
	ScratchLen int
}

// Plan is the result of planning an entire graph for nThreads workers: one
// NodePlan per graph.Graph.Nodes entry plus the total scratch buffer size
// the executor must allocate before Compute.
type Plan struct {
	NThreads int
	Nodes    []NodePlan
	WorkSize int

	// BindNUMA pins each worker's OS thread to a NUMA-local CPU set on
	// Linux; elsewhere it is ignored. Off by default because pinning only
	// pays off on multi-socket hosts.
	BindNUMA bool
}

// tasksForOp returns the number of worker tasks an op's COMPUTE phase can
// usefully use, per spec §4.5's heuristic table.
func tasksForOp(op tensor.Op, nThreads int) int {
	switch op {
	case tensor.OpReshape, tensor.OpView, tensor.OpPermute, tensor.OpTranspose, tensor.OpGetRows:
		return 1
	case tensor.OpSet:
		// the patch write overlaps the row partition, so one worker owns
		// the whole node
		return 1
	case tensor.OpNone:
		return 1
	default:
		return nThreads
	}
}

// scratchForNode estimates the transient scratch bytes a node's kernel
// phases need, per the categories in spec §4.5: mat-mul requantisation buffers,
// softmax/attention per-thread scratch, convolution im2col buffers, and
// quantised elementwise dequantisation buffers.
func scratchForNode(n *tensor.Tensor, nThreads int) int {
	switch n.Op {
	case tensor.OpMulMat:
		a, b := n.Src[0], n.Src[1]
		if a == nil || b == nil {
			return 0
		}
		// INIT requantises the right-hand side into a's vec-dot type; a
		// pure-F32 matmul or an already-matching rhs needs no scratch.
		codec, ok := quant.Codec(a.DType)
		if !ok || b.DType == codec.VecDotType {
			return 0
		}
		rhs := codec.VecDotType
		k := a.Ne[0]
		rows := b.Ne[1] * b.Ne[2] * b.Ne[3]
		return rows * rhs.RowSize(k)
	case tensor.OpSoftmax, tensor.OpFlashAttn:
		m := n.Ne[0]
		return nThreads * (m*4 + cacheLinePadding)
	case tensor.OpCrossEntropy:
		// one cache-line slot per worker for the FINALIZE reduction
		return nThreads * cacheLinePadding
	case tensor.OpConv1D, tensor.OpConv2D:
		// im2col buffer sized to the output's logical element count in f32.
		return n.NElements() * 4
	case tensor.OpAdd, tensor.OpMul, tensor.OpSub, tensor.OpDiv:
		quantised := false
		for _, s := range n.Src {
			if s != nil && s.DType.IsQuantized() {
				quantised = true
			}
		}
		if !quantised {
			return 0
		}
		return nThreads * (n.Ne[0]*4 + cacheLinePadding)
	default:
		return 0
	}
}

// HasInit reports whether op requires a single-thread INIT phase before
// COMPUTE may start, per spec §4.5's static HAS_INIT table.
func HasInit(op tensor.Op) bool {
	switch op {
	case tensor.OpMulMat, tensor.OpConv1D, tensor.OpConv2D, tensor.OpSoftmax, tensor.OpFlashAttn, tensor.OpCrossEntropy:
		return true
	default:
		return false
	}
}

// HasFinalize reports whether op reduces per-thread partials in a
// single-thread FINALIZE phase.
func HasFinalize(op tensor.Op) bool {
	return op == tensor.OpCrossEntropy
}

// Build plans g for nThreads workers. Nodes whose op is not in the kernel
// table still receive a plan entry (NTasks=1); the executor panics at
// Compute time if it has no kernel, not here (planning never executes).
func Build(g *graph.Graph, nThreads int) *Plan {
	if nThreads < 1 {
		nThreads = 1
	}
	p := &Plan{NThreads: nThreads, Nodes: make([]NodePlan, len(g.Nodes))}
	off := 0
	for i, n := range g.Nodes {
		np := NodePlan{NTasks: tasksForOp(n.Op, nThreads)}
		sz := scratchForNode(n, nThreads)
		if sz > 0 {
			np.ScratchOff = off
			np.ScratchLen = sz
			off += sz
		}
		p.Nodes[i] = np
	}
	p.WorkSize = off
	return p
}
