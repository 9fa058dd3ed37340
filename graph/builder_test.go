// builder_test.go - Tests fuer topologische Ordnung und Deduplizierung
package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ggcore/ggcore/arena"
	"github.com/ggcore/ggcore/dtype"
	"github.com/ggcore/ggcore/tensor"
)

func newTestCtx(t *testing.T) *arena.Context {
	t.Helper()
	return arena.New("graph-test", 1<<20, nil, false)
}

func opNode(t *testing.T, ctx *arena.Context, op tensor.Op, srcs ...*tensor.Tensor) *tensor.Tensor {
	t.Helper()
	out, err := tensor.New(ctx, dtype.F32, 4)
	require.NoError(t, err)
	out.Op = op
	for i, s := range srcs {
		out.Src[i] = s
	}
	return out
}

func leaf(t *testing.T, ctx *arena.Context) *tensor.Tensor {
	t.Helper()
	l, err := tensor.New(ctx, dtype.F32, 4)
	require.NoError(t, err)
	return l
}

func TestTopologicalOrder(t *testing.T) {
	ctx := newTestCtx(t)
	a := leaf(t, ctx)
	b := leaf(t, ctx)
	sum := opNode(t, ctx, tensor.OpAdd, a, b)
	sq := opNode(t, ctx, tensor.OpSqr, sum)
	out := opNode(t, ctx, tensor.OpMul, sq, sum)

	g := BuildForward(out)

	require.Len(t, g.Leaves, 2)
	require.Len(t, g.Nodes, 3)
	for i, n := range g.Nodes {
		for _, src := range n.Src {
			if src == nil || src.Op == tensor.OpNone {
				continue
			}
			require.Less(t, g.IndexOf(src), i, "source of node %d must precede it", i)
		}
	}
}

func TestDiamondDeduplication(t *testing.T) {
	ctx := newTestCtx(t)
	a := leaf(t, ctx)
	shared := opNode(t, ctx, tensor.OpSqr, a)
	left := opNode(t, ctx, tensor.OpScale, shared)
	right := opNode(t, ctx, tensor.OpSqrt, shared)
	out := opNode(t, ctx, tensor.OpAdd, left, right)

	g := BuildForward(out)

	// The shared node appears exactly once even though two paths reach it.
	require.Len(t, g.Nodes, 4)
	seen := 0
	for _, n := range g.Nodes {
		if n == shared {
			seen++
		}
	}
	require.Equal(t, 1, seen)
}

func TestBuilderIdempotence(t *testing.T) {
	ctx := newTestCtx(t)
	a := leaf(t, ctx)
	b := leaf(t, ctx)
	out := opNode(t, ctx, tensor.OpMul, opNode(t, ctx, tensor.OpAdd, a, b), b)

	g1 := BuildForward(out)
	g2 := BuildForward(out)

	require.Equal(t, len(g1.Nodes), len(g2.Nodes))
	for i := range g1.Nodes {
		require.Same(t, g1.Nodes[i], g2.Nodes[i], "node order must be deterministic")
	}
}

func TestExpandKeepsExistingPrefix(t *testing.T) {
	ctx := newTestCtx(t)
	a := leaf(t, ctx)
	first := opNode(t, ctx, tensor.OpSqr, a)
	g := BuildForward(first)
	require.Len(t, g.Nodes, 1)

	second := opNode(t, ctx, tensor.OpScale, first)
	g.Expand(second)

	require.Len(t, g.Nodes, 2)
	require.Same(t, first, g.Nodes[0])
	require.Same(t, second, g.Nodes[1])
}

func TestViewsArePlacedAfterTheirBase(t *testing.T) {
	ctx := newTestCtx(t)
	a := leaf(t, ctx)
	sq := opNode(t, ctx, tensor.OpSqr, a)
	v, err := tensor.Transpose(sq)
	require.NoError(t, err)
	out := opNode(t, ctx, tensor.OpScale, v)

	g := BuildForward(out)
	require.Less(t, g.IndexOf(sq), g.IndexOf(v))
}
