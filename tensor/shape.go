// shape.go - Broadcast-Regeln, View-Konstruktion und Matmul-Shape-Checks
package tensor

import (
	"github.com/ggcore/ggcore/arena"
	"github.com/ggcore/ggcore/dtype"
)

// New allocates a fresh, contiguous leaf tensor of the given dtype and
// shape from ctx. Trailing Ne entries beyond len(ne) default to 1.
func New(ctx *arena.Context, dt dtype.DType, ne ...int) (*Tensor, error) {
	t := &Tensor{DType: dt, NDims: len(ne)}
	for i := 0; i < MaxDims; i++ {
		t.Ne[i] = 1
	}
	for i, n := range ne {
		t.Ne[i] = n
	}
	setContiguousStrides(t)

	id, err := ctx.NewObject(arena.KindTensor, t.NBytes())
	if err != nil {
		return nil, err
	}
	t.bind(ctx, id)
	return t, nil
}

func setContiguousStrides(t *Tensor) {
	t.Nb[0] = t.DType.TypeSize()
	stride := t.Nb[0] * t.Ne[0] / t.DType.BlockSize()
	for i := 1; i < MaxDims; i++ {
		t.Nb[i] = stride
		stride *= t.Ne[i]
	}
}

// CanBroadcast reports whether b can be broadcast onto a's shape: every
// dimension of a must be divisible by the corresponding dimension of b
// (a ggml-style "repeat" broadcast, the inverse of numpy's trailing-align
// rule, since ne[0] is the fastest-varying/innermost dimension here).
func CanBroadcast(a, b *Tensor) bool {
	for i := 0; i < MaxDims; i++ {
		if a.Ne[i]%b.Ne[i] != 0 {
			return false
		}
	}
	return true
}

// CanMulMat reports whether a and b may be used as MulMat(a, b): a's rows
// (ne[0]) must match b's rows, and the higher batch dimensions of b must be
// broadcastable over a's (the convention used throughout: a is the
// "weight", b is the "activation" whose batch dims may broadcast).
func CanMulMat(a, b *Tensor) bool {
	if a.Ne[0] != b.Ne[0] {
		return false
	}
	return b.Ne[2]%a.Ne[2] == 0 && b.Ne[3]%a.Ne[3] == 0
}

// MulMatShape returns the result shape of MulMat(a, b) without validating;
// callers should check CanMulMat first.
func MulMatShape(a, b *Tensor) [MaxDims]int {
	return [MaxDims]int{a.Ne[1], b.Ne[1], b.Ne[2], b.Ne[3]}
}

// View creates a tensor that aliases src's storage starting at byteOffset,
// with the given shape and (optionally) explicit strides. If nb is empty,
// the canonical contiguous strides for the given dtype/shape are used.
func View(src *Tensor, dt dtype.DType, byteOffset int, ne [MaxDims]int, nb [MaxDims]int) (*Tensor, error) {
	root := src
	offs := byteOffset
	for root.ViewSrc != nil {
		offs += root.ViewOffs
		root = root.ViewSrc
	}

	v := &Tensor{
		DType:    dt,
		NDims:    src.NDims,
		Ne:       ne,
		Nb:       nb,
		ViewSrc:  root,
		ViewOffs: offs,
	}
	if v.Nb == ([MaxDims]int{}) {
		setContiguousStrides(v)
	}

	if root.hasData {
		need := offs + v.NBytes()
		if have := root.NBytes(); need > have {
			return nil, &ViewBoundsError{Op: "view", Ne: v.Ne, Offset: offs, Capacity: have}
		}
	}
	return v, nil
}

// Reshape returns a view of t with a new contiguous shape; t must already
// be contiguous and the element count must match.
func Reshape(t *Tensor, ne ...int) (*Tensor, error) {
	if !t.IsContiguous() {
		return nil, &NonContiguousError{Op: "reshape"}
	}
	var newNe [MaxDims]int
	for i := range newNe {
		newNe[i] = 1
	}
	total := 1
	for i, n := range ne {
		newNe[i] = n
		total *= n
	}
	if total != t.NElements() {
		return nil, &ShapeError{Op: "reshape", A: t.Ne, B: newNe}
	}
	v, err := View(t, t.DType, 0, newNe, [MaxDims]int{})
	if err != nil {
		return nil, err
	}
	v.NDims = len(ne)
	return v, nil
}

// Permute returns a view of t with its axes reordered according to axes,
// a permutation of {0,1,2,3} mapping new-axis -> old-axis.
func Permute(t *Tensor, axes [MaxDims]int, name string) (*Tensor, error) {
	v := &Tensor{
		DType:    t.DType,
		NDims:    t.NDims,
		ViewSrc:  t,
		ViewOffs: 0,
	}
	if t.ViewSrc != nil {
		v.ViewSrc = t.ViewSrc
		v.ViewOffs = t.ViewOffs
	}
	for newAxis, oldAxis := range axes {
		v.Ne[newAxis] = t.Ne[oldAxis]
		v.Nb[newAxis] = t.Nb[oldAxis]
	}
	return v, nil
}

// Transpose swaps the first two axes of t, a special case of Permute used
// heavily by mul_mat's operand preparation.
func Transpose(t *Tensor) (*Tensor, error) {
	return Permute(t, [MaxDims]int{1, 0, 2, 3}, "")
}

// Cont materialises a (possibly non-contiguous) view into a fresh
// contiguous tensor with the same logical shape, allocated from ctx. The
// caller (scheduler) is responsible for actually copying the bytes at
// compute time; Cont only builds the graph-level op node shape.
func Cont(ctx *arena.Context, t *Tensor) (*Tensor, error) {
	out, err := New(ctx, t.DType, sliceNe(t.Ne, t.NDims)...)
	if err != nil {
		return nil, err
	}
	out.Op = OpCont
	out.Src[0] = t
	return out, nil
}

func sliceNe(ne [MaxDims]int, ndims int) []int {
	if ndims <= 0 {
		ndims = MaxDims
	}
	out := make([]int, ndims)
	copy(out, ne[:ndims])
	return out
}
