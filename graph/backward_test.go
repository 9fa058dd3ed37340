// backward_test.go - Struktur-Tests fuer Autodiff, Zero-Table und Checkpointing
package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ggcore/ggcore/tensor"
)

func TestBackwardAddSharesGradient(t *testing.T) {
	ctx := newTestCtx(t)
	a := leaf(t, ctx)
	a.IsParam = true
	a.Grad = leaf(t, ctx)
	b := leaf(t, ctx)
	b.IsParam = true
	b.Grad = leaf(t, ctx)

	y := opNode(t, ctx, tensor.OpAdd, a, b)
	y.Grad = leaf(t, ctx)

	g := BuildForward(y)
	require.NoError(t, BuildBackward(ctx, g, y))

	// add passes the upstream gradient through unchanged to both sides;
	// the zero-table replaces the preallocated zero grads instead of
	// emitting add(0, g) nodes.
	require.Same(t, y.Grad, a.Grad)
	require.Same(t, y.Grad, b.Grad)
	require.Len(t, g.Grads, 2)
}

func TestBackwardZeroTableAccumulates(t *testing.T) {
	ctx := newTestCtx(t)
	a := leaf(t, ctx)
	a.IsParam = true
	a.Grad = leaf(t, ctx)

	// y = a * a: both operands are the same tensor, so the second
	// contribution must accumulate via an add node.
	y := opNode(t, ctx, tensor.OpMul, a, a)
	y.Grad = leaf(t, ctx)

	g := BuildForward(y)
	require.NoError(t, BuildBackward(ctx, g, y))

	require.NotNil(t, a.Grad)
	require.Equal(t, tensor.OpAdd, a.Grad.Op)
}

func TestBackwardUnsupportedOpFails(t *testing.T) {
	ctx := newTestCtx(t)
	a := leaf(t, ctx)
	a.IsParam = true
	a.Grad = leaf(t, ctx)

	y := opNode(t, ctx, tensor.OpSoftmax, a)
	y.Grad = leaf(t, ctx)

	g := BuildForward(y)
	err := BuildBackward(ctx, g, y)
	var nb *NoBackwardError
	require.ErrorAs(t, err, &nb)
	require.Equal(t, tensor.OpSoftmax, nb.Op)
	require.False(t, Differentiable(tensor.OpSoftmax))
	require.True(t, Differentiable(tensor.OpAdd))
}

func TestBackwardExpandsGradSubgraph(t *testing.T) {
	ctx := newTestCtx(t)
	a := leaf(t, ctx)
	a.IsParam = true
	a.Grad = leaf(t, ctx)
	b := leaf(t, ctx)

	y := opNode(t, ctx, tensor.OpMul, a, b)
	y.Grad = leaf(t, ctx)

	g := BuildForward(y)
	forwardLen := len(g.Nodes)
	require.NoError(t, BuildBackward(ctx, g, y))

	// a.grad = mul(ones, b) is a fresh node appended after the forward
	// prefix.
	require.Greater(t, len(g.Nodes), forwardLen)
	require.Equal(t, tensor.OpMul, a.Grad.Op)
	require.True(t, g.Contains(a.Grad))
}

func TestCheckpointRewriteClonesIntermediates(t *testing.T) {
	ctx := newTestCtx(t)
	a := leaf(t, ctx)
	a.IsParam = true
	a.Grad = leaf(t, ctx)

	cp := opNode(t, ctx, tensor.OpSqr, a)
	mid := opNode(t, ctx, tensor.OpScale, cp)
	loss := opNode(t, ctx, tensor.OpSqr, mid)

	g := BuildForward(loss)
	require.NoError(t, BuildBackwardCheckpoint(ctx, g, loss, []*tensor.Tensor{cp}))

	// loss and mid were cloned; the clones' lineage terminates at the
	// checkpoint, which is shared with the forward graph.
	var clonedLoss *tensor.Tensor
	for _, n := range g.Nodes {
		if n != loss && n != mid && n != cp && n.Op == tensor.OpSqr && n.Src[0] != a {
			clonedLoss = n
		}
	}
	require.NotNil(t, clonedLoss)
	clonedMid := clonedLoss.Src[0]
	require.NotSame(t, mid, clonedMid)
	require.Same(t, cp, clonedMid.Src[0])
	require.NotNil(t, a.Grad)
}
