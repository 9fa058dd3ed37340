// backward.go - Reverse-Mode Autodiff mit Zero-Table
//
// BuildBackward laeuft die Vorwaerts-Knoten in umgekehrter topologischer
// Ordnung ab und akkumuliert Gradienten ueber eine pro-Tensor Grad-Referenz.
// Ops ohne registrierte Rueckwaertsregel loesen NoBackwardError aus statt
// still einen falschen (Null-)Gradienten zu liefern. Die Zero-Table haelt
// fest, welche Grad-Tensoren noch ihren frisch allozierten Nullwert tragen:
// der erste Beitrag ersetzt so einen add(0, x)-Knoten durch x selbst.
package graph

import (
	"fmt"
	"math"

	"github.com/ggcore/ggcore/arena"
	"github.com/ggcore/ggcore/tensor"
)

// NoBackwardError is raised when BuildBackward reaches a node whose Op has
// no registered backward rule. Differentiable lets callers check ahead of
// time instead of relying on the error.
type NoBackwardError struct {
	Op tensor.Op
}

func (e *NoBackwardError) Error() string {
	return fmt.Sprintf("graph: op %s has no backward rule", e.Op)
}

// BackwardRule computes the gradient contribution to each of node's source
// operands, given the already-accumulated gradient of node's output.
// A nil entry at position i means "no gradient flows to Src[i]" (e.g. the
// index operand of get_rows).
type BackwardRule func(ctx *arena.Context, node *tensor.Tensor, gradOut *tensor.Tensor) ([]*tensor.Tensor, error)

var backwardRules = map[tensor.Op]BackwardRule{
	tensor.OpAdd:          backwardAdd,
	tensor.OpSub:          backwardSub,
	tensor.OpMul:          backwardMul,
	tensor.OpDiv:          backwardDiv,
	tensor.OpSqr:          backwardSqr,
	tensor.OpSqrt:         backwardSqrt,
	tensor.OpSum:          backwardSum,
	tensor.OpMean:         backwardMean,
	tensor.OpCont:         backwardPassthrough,
	tensor.OpCpy:          backwardPassthrough,
	tensor.OpDup:          backwardPassthrough,
	tensor.OpScale:        backwardScale,
	tensor.OpMulMat:       backwardMulMat,
	tensor.OpCrossEntropy: backwardCrossEntropy,
}

// Differentiable reports whether op has a registered backward rule.
func Differentiable(op tensor.Op) bool {
	_, ok := backwardRules[op]
	return ok
}

// newNode allocates a fresh op node with out's dtype and shape taken from
// like, stamping op and srcs. Shared by every backward rule so they stay
// one construction per emitted tensor.
func newNode(ctx *arena.Context, op tensor.Op, like *tensor.Tensor, srcs ...*tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.New(ctx, like.DType, sliceNeFromTensor(like)...)
	if err != nil {
		return nil, err
	}
	out.Op = op
	for i, s := range srcs {
		out.Src[i] = s
	}
	return out, nil
}

func sliceNeFromTensor(t *tensor.Tensor) []int {
	n := t.NDims
	if n <= 0 {
		n = tensor.MaxDims
	}
	out := make([]int, n)
	copy(out, t.Ne[:n])
	return out
}

// BuildBackward expands g with gradient nodes for every parameter reachable
// from loss, seeding loss.Grad with an implicit ones tensor, then appends
// the gradient subgraph to g's execution order. g must already be a forward
// graph built with BuildForward that includes loss.
func BuildBackward(ctx *arena.Context, g *Graph, loss *tensor.Tensor) error {
	// Grad tensors preallocated during forward construction are still
	// all-zero leaves; the zero-table lets the first real contribution
	// replace them instead of emitting add(0, x).
	stillZero := make(map[*tensor.Tensor]bool)
	for _, n := range g.Nodes {
		if n.Grad != nil {
			stillZero[n.Grad] = true
		}
	}
	for _, l := range g.Leaves {
		if l.Grad != nil {
			stillZero[l.Grad] = true
		}
	}

	ones, err := tensor.New(ctx, loss.DType, sliceNeFromTensor(loss)...)
	if err != nil {
		return err
	}
	fillOnes(ones)
	loss.Grad = ones
	delete(stillZero, ones)

	for i := len(g.Nodes) - 1; i >= 0; i-- {
		node := g.Nodes[i]
		if node.Grad == nil || stillZero[node.Grad] {
			continue
		}
		rule, ok := backwardRules[node.Op]
		if !ok {
			if node.Op == tensor.OpNone {
				continue
			}
			return &NoBackwardError{Op: node.Op}
		}
		contributions, err := rule(ctx, node, node.Grad)
		if err != nil {
			return err
		}
		for srcIdx, contrib := range contributions {
			src := node.Src[srcIdx]
			if src == nil || contrib == nil {
				continue
			}
			if err := accumulateGrad(ctx, src, contrib, stillZero); err != nil {
				return err
			}
		}
	}

	if g.Grads == nil {
		g.Grads = make(map[*tensor.Tensor]*tensor.Tensor)
	}
	// Expand in leaf-then-node order so the appended gradient subgraph is
	// deterministic across builds, not subject to map iteration order.
	for _, owner := range collectGradOwners(g, stillZero) {
		g.Grads[owner] = owner.Grad
		g.Expand(owner.Grad)
	}
	return nil
}

func collectGradOwners(g *Graph, stillZero map[*tensor.Tensor]bool) []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, leaf := range g.Leaves {
		if leaf.Grad != nil && !stillZero[leaf.Grad] {
			out = append(out, leaf)
		}
	}
	for _, n := range g.Nodes {
		if n.IsParam && n.Grad != nil && !stillZero[n.Grad] {
			out = append(out, n)
		}
	}
	return out
}

func accumulateGrad(ctx *arena.Context, dst *tensor.Tensor, contribution *tensor.Tensor, stillZero map[*tensor.Tensor]bool) error {
	if dst.Grad == nil || stillZero[dst.Grad] {
		delete(stillZero, dst.Grad)
		dst.Grad = contribution
		return nil
	}
	sum, err := newNode(ctx, tensor.OpAdd, dst.Grad, dst.Grad, contribution)
	if err != nil {
		return err
	}
	dst.Grad = sum
	return nil
}

func fillOnes(t *tensor.Tensor) {
	b := t.Bytes()
	if b == nil {
		return
	}
	// Only F32 losses are seeded directly; quantised loss tensors are not
	// a supported entry point for backward.
	for i := 0; i+4 <= len(b); i += 4 {
		b[i], b[i+1], b[i+2], b[i+3] = 0, 0, 0x80, 0x3f // little-endian float32(1.0)
	}
}

func backwardPassthrough(_ *arena.Context, node *tensor.Tensor, gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(node.Src))
	out[0] = gradOut
	return out, nil
}

func backwardAdd(_ *arena.Context, node *tensor.Tensor, gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	return []*tensor.Tensor{gradOut, gradOut}, nil
}

func backwardSub(ctx *arena.Context, node *tensor.Tensor, gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	neg, err := newNode(ctx, tensor.OpScale, gradOut, gradOut)
	if err != nil {
		return nil, err
	}
	setScaleParam(neg, -1)
	return []*tensor.Tensor{gradOut, neg}, nil
}

func backwardMul(ctx *arena.Context, node *tensor.Tensor, gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	a, b := node.Src[0], node.Src[1]
	gradA, err := newNode(ctx, tensor.OpMul, gradOut, gradOut, b)
	if err != nil {
		return nil, err
	}
	gradB, err := newNode(ctx, tensor.OpMul, gradOut, gradOut, a)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gradA, gradB}, nil
}

func backwardDiv(ctx *arena.Context, node *tensor.Tensor, gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	b := node.Src[1]
	gradA, err := newNode(ctx, tensor.OpDiv, gradOut, gradOut, b)
	if err != nil {
		return nil, err
	}
	// d/db (a/b) = -a/b^2 = -(a/b)/b; node itself is a/b.
	quot, err := newNode(ctx, tensor.OpDiv, gradOut, node, b)
	if err != nil {
		return nil, err
	}
	prod, err := newNode(ctx, tensor.OpMul, gradOut, gradA, quot)
	if err != nil {
		return nil, err
	}
	gradB, err := newNode(ctx, tensor.OpScale, gradOut, prod)
	if err != nil {
		return nil, err
	}
	setScaleParam(gradB, -1)
	return []*tensor.Tensor{gradA, gradB}, nil
}

func backwardSqr(ctx *arena.Context, node *tensor.Tensor, gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	// d/dx x^2 = 2x
	two, err := newNode(ctx, tensor.OpScale, node.Src[0], node.Src[0])
	if err != nil {
		return nil, err
	}
	setScaleParam(two, 2)
	grad, err := newNode(ctx, tensor.OpMul, gradOut, gradOut, two)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{grad}, nil
}

func backwardSqrt(ctx *arena.Context, node *tensor.Tensor, gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	// d/dx sqrt(x) = 1 / (2 sqrt(x)); node itself is sqrt(x).
	quot, err := newNode(ctx, tensor.OpDiv, gradOut, gradOut, node)
	if err != nil {
		return nil, err
	}
	grad, err := newNode(ctx, tensor.OpScale, gradOut, quot)
	if err != nil {
		return nil, err
	}
	setScaleParam(grad, 0.5)
	return []*tensor.Tensor{grad}, nil
}

func backwardSum(ctx *arena.Context, node *tensor.Tensor, gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	grad, err := newNode(ctx, tensor.OpRepeat, node.Src[0], gradOut)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{grad}, nil
}

func backwardMean(ctx *arena.Context, node *tensor.Tensor, gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	src := node.Src[0]
	rep, err := newNode(ctx, tensor.OpRepeat, src, gradOut)
	if err != nil {
		return nil, err
	}
	grad, err := newNode(ctx, tensor.OpScale, src, rep)
	if err != nil {
		return nil, err
	}
	setScaleParam(grad, 1/float32(src.NElements()))
	return []*tensor.Tensor{grad}, nil
}

// backwardMulMat expresses both operand gradients as further mul_mats over
// transposed views: for dst = mul_mat(a, b),
//
//	a.grad = mul_mat(b^T, g^T)  (shape of a)
//	b.grad = mul_mat(a^T, g)    (shape of b)
//
// Quantised operands have no gradient path; only F32 weights train.
func backwardMulMat(ctx *arena.Context, node *tensor.Tensor, gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	a, b := node.Src[0], node.Src[1]
	if a.DType.IsQuantized() || b.DType.IsQuantized() {
		return nil, &NoBackwardError{Op: tensor.OpMulMat}
	}

	bT, err := tensor.Transpose(b)
	if err != nil {
		return nil, err
	}
	gT, err := tensor.Transpose(gradOut)
	if err != nil {
		return nil, err
	}
	gradA, err := newNode(ctx, tensor.OpMulMat, a, bT, gT)
	if err != nil {
		return nil, err
	}

	aT, err := tensor.Transpose(a)
	if err != nil {
		return nil, err
	}
	gradB, err := newNode(ctx, tensor.OpMulMat, b, aT, gradOut)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gradA, gradB}, nil
}

// backwardCrossEntropy: d loss / d logits = (softmax(logits) - target) / rows,
// scaled by the (scalar) upstream gradient. No gradient flows to the target.
func backwardCrossEntropy(ctx *arena.Context, node *tensor.Tensor, gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	logits, target := node.Src[0], node.Src[1]
	sm, err := newNode(ctx, tensor.OpSoftmax, logits, logits)
	if err != nil {
		return nil, err
	}
	diff, err := newNode(ctx, tensor.OpSub, logits, sm, target)
	if err != nil {
		return nil, err
	}
	scaled, err := newNode(ctx, tensor.OpScale, logits, diff)
	if err != nil {
		return nil, err
	}
	rows := logits.NElements() / logits.Ne[0]
	setScaleParam(scaled, 1/float32(rows))
	grad, err := newNode(ctx, tensor.OpMul, logits, scaled, gradOut)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{grad, nil}, nil
}

func backwardScale(ctx *arena.Context, node *tensor.Tensor, gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	factor := scaleParam(node)
	grad, err := newNode(ctx, tensor.OpScale, gradOut, gradOut)
	if err != nil {
		return nil, err
	}
	setScaleParam(grad, factor)
	return []*tensor.Tensor{grad}, nil
}

func setScaleParam(t *tensor.Tensor, f float32) {
	t.OpParams[0] = int32(math.Float32bits(f))
}

func scaleParam(t *tensor.Tensor) float32 {
	return math.Float32frombits(uint32(t.OpParams[0]))
}
