// ops.go - Operator-Builder-Methoden (spec §4.2/§4.4 Katalog)
//
// Jede Methode validiert die Shape-Algebra aus tensor/shape.go zur
// Build-Zeit (spec §4.2 "Failure modes... fail at build time") und
// erzeugt dann per newOp einen Graph-Knoten.
package engine

import (
	"encoding/binary"
	"math"

	"github.com/ggcore/ggcore/dtype"
	"github.com/ggcore/ggcore/tensor"
)

func writeDenseF32(t *tensor.Tensor, vals []float32) {
	b := t.Bytes()
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:i*4+4], math.Float32bits(v))
	}
}

func (c *Context) binaryElementwise(op tensor.Op, a, b *tensor.Tensor) *tensor.Tensor {
	if !tensor.CanBroadcast(a, b) {
		panic(&tensor.ShapeError{Op: op.String(), A: a.Ne, B: b.Ne})
	}
	return newOp(c, dtype.F32, op, a.Ne, a.NDims, a, b)
}

func (c *Context) Add(a, b *tensor.Tensor) *tensor.Tensor {
	return c.binaryElementwise(tensor.OpAdd, a, b)
}
func (c *Context) Sub(a, b *tensor.Tensor) *tensor.Tensor {
	return c.binaryElementwise(tensor.OpSub, a, b)
}
func (c *Context) Mul(a, b *tensor.Tensor) *tensor.Tensor {
	return c.binaryElementwise(tensor.OpMul, a, b)
}
func (c *Context) Div(a, b *tensor.Tensor) *tensor.Tensor {
	return c.binaryElementwise(tensor.OpDiv, a, b)
}

func (c *Context) unary(op tensor.Op, a *tensor.Tensor) *tensor.Tensor {
	return newOp(c, dtype.F32, op, a.Ne, a.NDims, a)
}

func (c *Context) Sqr(a *tensor.Tensor) *tensor.Tensor     { return c.unary(tensor.OpSqr, a) }
func (c *Context) Sqrt(a *tensor.Tensor) *tensor.Tensor    { return c.unary(tensor.OpSqrt, a) }
func (c *Context) Silu(a *tensor.Tensor) *tensor.Tensor    { return c.unary(tensor.OpSilu, a) }
func (c *Context) Gelu(a *tensor.Tensor) *tensor.Tensor    { return c.unary(tensor.OpGelu, a) }
func (c *Context) Relu(a *tensor.Tensor) *tensor.Tensor    { return c.unary(tensor.OpRelu, a) }
func (c *Context) Dup(a *tensor.Tensor) *tensor.Tensor     { return c.unary(tensor.OpDup, a) }
func (c *Context) Softmax(a *tensor.Tensor) *tensor.Tensor { return c.unary(tensor.OpSoftmax, a) }

// Scale multiplies a by a scalar factor (backward's negate-by-scale(-1)
// shares this op, see graph.backwardSub).
func (c *Context) Scale(a *tensor.Tensor, factor float32) *tensor.Tensor {
	out := c.unary(tensor.OpScale, a)
	setF32Param(out, 0, factor)
	return out
}

// Sum reduces a to a single-element scalar tensor.
func (c *Context) Sum(a *tensor.Tensor) *tensor.Tensor {
	return newOp(c, dtype.F32, tensor.OpSum, [tensor.MaxDims]int{1, 1, 1, 1}, 1, a)
}

// Mean reduces a to a single-element scalar tensor holding its average.
func (c *Context) Mean(a *tensor.Tensor) *tensor.Tensor {
	return newOp(c, dtype.F32, tensor.OpMean, [tensor.MaxDims]int{1, 1, 1, 1}, 1, a)
}

// Repeat broadcasts a up to shape's extents (the inverse of a reduction;
// ggml's "repeat" node).
func (c *Context) Repeat(a *tensor.Tensor, shape *tensor.Tensor) *tensor.Tensor {
	if !tensor.CanBroadcast(shape, a) {
		panic(&tensor.ShapeError{Op: "repeat", A: shape.Ne, B: a.Ne})
	}
	return newOp(c, a.DType, tensor.OpRepeat, shape.Ne, shape.NDims, a)
}

// Concat joins a and b along axis.
func (c *Context) Concat(a, b *tensor.Tensor, axis int) *tensor.Tensor {
	ne := a.Ne
	ne[axis] += b.Ne[axis]
	out := newOp(c, dtype.F32, tensor.OpConcat, ne, a.NDims, a, b)
	setI32Param(out, 0, int32(axis))
	return out
}

// Norm applies standard (mean/variance) layer normalisation along axis 0.
func (c *Context) Norm(a *tensor.Tensor, eps float32) *tensor.Tensor {
	out := c.unary(tensor.OpNorm, a)
	setF32Param(out, 0, eps)
	return out
}

// RMSNorm applies root-mean-square normalisation along axis 0 (spec §8 S2).
func (c *Context) RMSNorm(a *tensor.Tensor, eps float32) *tensor.Tensor {
	out := c.unary(tensor.OpRMSNorm, a)
	setF32Param(out, 0, eps)
	return out
}

// MulMat computes a matrix multiply per spec §4.2/§4.3: output shape
// (a.Ne[1], b.Ne[1], b.Ne[2], b.Ne[3]), dtype always F32.
func (c *Context) MulMat(a, b *tensor.Tensor) *tensor.Tensor {
	if !tensor.CanMulMat(a, b) {
		panic(&tensor.ShapeError{Op: "mul_mat", A: a.Ne, B: b.Ne})
	}
	ne := tensor.MulMatShape(a, b)
	ndims := b.NDims
	if ndims < 2 {
		ndims = 2
	}
	return newOp(c, dtype.F32, tensor.OpMulMat, ne, ndims, a, b)
}

// GetRows gathers rows of a at the I32 indices held in idx.
func (c *Context) GetRows(a, idx *tensor.Tensor) *tensor.Tensor {
	ne := a.Ne
	ne[1] = idx.NElements()
	return newOp(c, dtype.F32, tensor.OpGetRows, ne, a.NDims, a, idx)
}

// DiagMaskInf masks the strictly-future upper triangle of a causal
// attention score matrix with -Inf, nPast columns already "seen".
func (c *Context) DiagMaskInf(a *tensor.Tensor, nPast int) *tensor.Tensor {
	out := c.unary(tensor.OpDiagMaskInf, a)
	setI32Param(out, 0, int32(nPast))
	return out
}

// Set writes patch into a copy of base at the given element offset; the
// non-view counterpart of View used to build in-place parameter updates.
func (c *Context) Set(base, patch *tensor.Tensor, elemOffset int) *tensor.Tensor {
	out := newOp(c, base.DType, tensor.OpSet, base.Ne, base.NDims, base, patch)
	setI32Param(out, 0, int32(elemOffset))
	return out
}

// Cont materialises t (possibly a non-contiguous view) into a fresh
// contiguous tensor.
func (c *Context) Cont(t *tensor.Tensor) *tensor.Tensor {
	return c.must(tensor.Cont(c.Arena, t))
}

// Reshape returns a contiguous-preserving view of t with a new shape.
func (c *Context) Reshape(t *tensor.Tensor, ne ...int) *tensor.Tensor {
	return c.must(tensor.Reshape(t, ne...))
}

// Permute reorders t's axes according to axes (new-axis -> old-axis).
func (c *Context) Permute(t *tensor.Tensor, axes [tensor.MaxDims]int) *tensor.Tensor {
	return c.must(tensor.Permute(t, axes, ""))
}

// Transpose swaps t's first two axes.
func (c *Context) Transpose(t *tensor.Tensor) *tensor.Tensor {
	return c.must(tensor.Transpose(t))
}

// View returns a tensor aliasing src's storage at byteOffset with the
// given shape and (if nb is the zero value) canonical contiguous strides.
func (c *Context) View(src *tensor.Tensor, byteOffset int, ne [tensor.MaxDims]int, nb [tensor.MaxDims]int) *tensor.Tensor {
	return c.must(tensor.View(src, src.DType, byteOffset, ne, nb))
}

// Rope applies rotary position embedding to a given a parallel tensor of
// per-token positions (I32) and a base frequency theta.
func (c *Context) Rope(a, positions *tensor.Tensor, theta float32) *tensor.Tensor {
	out := c.unary(tensor.OpRope, a)
	out.Src[1] = positions
	setF32Param(out, 0, theta)
	return out
}

// Conv1D convolves the first row of a (axis 0 is the length axis) with
// each row of kernel (shape [k, channels_out]) at the given stride and
// zero-padding, giving [outLen, channels_out]. Rows of a beyond the first
// are not read.
func (c *Context) Conv1D(a, kernel *tensor.Tensor, stride, pad int) *tensor.Tensor {
	outLen := (a.Ne[0]+2*pad-kernel.Ne[0])/stride + 1
	ne := [tensor.MaxDims]int{outLen, kernel.Ne[1], 1, 1}
	out := newOp(c, dtype.F32, tensor.OpConv1D, ne, 2, a, kernel)
	setI32Param(out, 0, int32(stride))
	setI32Param(out, 1, int32(pad))
	return out
}

// Conv2D builds the same node as Conv1D, tagged OpConv2D and sharing its
// op_params layout; the scheduler runs the 1-D kernel for it, so the
// convolution runs along axis 0 only.
func (c *Context) Conv2D(a, kernel *tensor.Tensor, stride, pad int) *tensor.Tensor {
	out := c.Conv1D(a, kernel, stride, pad)
	out.Op = tensor.OpConv2D
	return out
}

// Pool2D pools windows of k consecutive elements along axis 0 of every row
// of a with the given mode (0 = max, 1 = avg) and stride; the other axes
// are not pooled.
func (c *Context) Pool2D(a *tensor.Tensor, mode, k, stride int) *tensor.Tensor {
	outLen := (a.Ne[0]-k)/stride + 1
	out := c.unary(tensor.OpPool2D, a)
	out.Ne[0] = outLen
	setI32Param(out, 0, int32(mode))
	setI32Param(out, 1, int32(k))
	setI32Param(out, 2, int32(stride))
	return out
}

// FlashAttn computes scaled dot-product attention over q, k, v (each shape
// [headDim, seqLen, ...]) with an optional additive mask.
func (c *Context) FlashAttn(q, k, v, mask *tensor.Tensor) *tensor.Tensor {
	ne := [tensor.MaxDims]int{q.Ne[0], q.Ne[1], q.Ne[2], q.Ne[3]}
	srcs := []*tensor.Tensor{q, k, v}
	if mask != nil {
		srcs = append(srcs, mask)
	}
	return newOp(c, dtype.F32, tensor.OpFlashAttn, ne, q.NDims, srcs...)
}

// GeluQuick applies the sigmoid-approximated GELU.
func (c *Context) GeluQuick(a *tensor.Tensor) *tensor.Tensor {
	return c.unary(tensor.OpGeluQuick, a)
}

// Clamp limits every element of a to [lo, hi].
func (c *Context) Clamp(a *tensor.Tensor, lo, hi float32) *tensor.Tensor {
	out := c.unary(tensor.OpClamp, a)
	setF32Param(out, 0, lo)
	setF32Param(out, 1, hi)
	return out
}

// Alibi adds the linear attention position bias of nHead heads to a,
// with nPast columns already consumed and biasMax distributed
// geometrically across heads.
func (c *Context) Alibi(a *tensor.Tensor, nPast, nHead int, biasMax float32) *tensor.Tensor {
	out := c.unary(tensor.OpAlibi, a)
	setI32Param(out, 0, int32(nPast))
	setI32Param(out, 1, int32(nHead))
	setF32Param(out, 2, biasMax)
	return out
}

// Upscale nearest-neighbour upsamples a's first two axes by factor sf.
func (c *Context) Upscale(a *tensor.Tensor, sf int) *tensor.Tensor {
	ne := a.Ne
	ne[0] *= sf
	ne[1] *= sf
	out := newOp(c, dtype.F32, tensor.OpUpscale, ne, a.NDims, a)
	setI32Param(out, 0, int32(sf))
	return out
}

// WinPart partitions a [C, W, H, 1] tensor into non-overlapping w x w
// windows (zero-padded at the edges), yielding [C, w, w, npx*npy].
func (c *Context) WinPart(a *tensor.Tensor, w int) *tensor.Tensor {
	npx := (a.Ne[1] + w - 1) / w
	npy := (a.Ne[2] + w - 1) / w
	ne := [tensor.MaxDims]int{a.Ne[0], w, w, npx * npy}
	out := newOp(c, dtype.F32, tensor.OpWinPart, ne, 4, a)
	setI32Param(out, 0, int32(npx))
	setI32Param(out, 1, int32(npy))
	setI32Param(out, 2, int32(w))
	return out
}

// WinUnpart reassembles WinPart windows of size w back into the original
// [C, w0, h0, 1] extent, discarding edge padding.
func (c *Context) WinUnpart(a *tensor.Tensor, w0, h0, w int) *tensor.Tensor {
	ne := [tensor.MaxDims]int{a.Ne[0], w0, h0, 1}
	out := newOp(c, dtype.F32, tensor.OpWinUnpart, ne, 3, a)
	setI32Param(out, 0, int32(w))
	return out
}

// CrossEntropyLoss reduces softmax cross-entropy between logits and a
// matching-probability (e.g. one-hot) target to a single scalar, averaged
// over rows.
func (c *Context) CrossEntropyLoss(logits, target *tensor.Tensor) *tensor.Tensor {
	if logits.Ne != target.Ne {
		panic(&tensor.ShapeError{Op: "cross_entropy_loss", A: logits.Ne, B: target.Ne})
	}
	return newOp(c, dtype.F32, tensor.OpCrossEntropy, [tensor.MaxDims]int{1, 1, 1, 1}, 1, logits, target)
}

// SetParam marks t as a trainable leaf and allocates its zero-initialised
// gradient sibling if it does not have one yet.
func (c *Context) SetParam(t *tensor.Tensor) *tensor.Tensor {
	t.IsParam = true
	if t.Grad == nil {
		t.Grad = c.NewTensor(t.DType, sliceNe(t.Ne, t.NDims)...)
	}
	return t
}
