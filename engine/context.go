// context.go - Oeffentliche Fassade: Context buendelt Arena+Tensor+Graph
//
// Context entspricht grob dem Interface-Paar ml.Context/ml.Tensor der
// cgo-gebundenen Referenz (teacher ml/context.go), hier aber direkt auf
// arena.Context und tensor.Tensor gebaut statt auf einen C-Graphen. Jede
// Op-Builder-Methode erzeugt einen neuen Knoten im aktuellen Arena-Context
// und stempelt op/op_params/src, exakt wie spec §4.4 es fuer den Graph-
// Builder beschreibt.
package engine

import (
	"math"

	"github.com/pkg/errors"

	"github.com/ggcore/ggcore/arena"
	"github.com/ggcore/ggcore/dtype"
	"github.com/ggcore/ggcore/tensor"
)

// Context is a single arena-backed session in which tensors and operator
// nodes are allocated. It is not safe for concurrent use (spec §5: "the
// graph is read-only during compute(); mutation... is forbidden while any
// compute is in flight").
type Context struct {
	Arena *arena.Context
}

// New wraps an existing arena.Context. Most callers go through
// Backend.NewContext instead, which also wires in BackendParams.
func New(a *arena.Context) *Context {
	return &Context{Arena: a}
}

func (c *Context) must(t *tensor.Tensor, err error) *tensor.Tensor {
	if err != nil {
		panic(err)
	}
	return t
}

// NewTensor allocates a fresh leaf tensor of the given dtype and shape.
func (c *Context) NewTensor(dt dtype.DType, ne ...int) *tensor.Tensor {
	return c.must(tensor.New(c.Arena, dt, ne...))
}

// NewParam allocates a leaf tensor marked trainable, with a freshly
// zero-initialised Grad sibling (spec §3: "A tensor marked is_param has
// op = NONE and a freshly-allocated zero-initialised grad").
func (c *Context) NewParam(dt dtype.DType, ne ...int) *tensor.Tensor {
	t := c.NewTensor(dt, ne...)
	t.IsParam = true
	t.Grad = c.NewTensor(dt, ne...)
	return t
}

// FromFloats allocates an F32 tensor and copies vals into it.
func (c *Context) FromFloats(vals []float32, ne ...int) *tensor.Tensor {
	t := c.NewTensor(dtype.F32, ne...)
	writeDenseF32(t, vals)
	return t
}

func newOp(ctx *Context, dt dtype.DType, op tensor.Op, ne [tensor.MaxDims]int, ndims int, src ...*tensor.Tensor) *tensor.Tensor {
	out := ctx.must(tensor.New(ctx.Arena, dt, sliceNe(ne, ndims)...))
	out.Op = op
	for i, s := range src {
		if i >= tensor.MaxSrc {
			panic(errors.Errorf("engine: op %s: too many sources", op))
		}
		out.Src[i] = s
		if s != nil && s.Grad != nil && out.Grad == nil {
			out.Grad = ctx.NewTensor(dt, sliceNe(ne, ndims)...)
		}
	}
	return out
}

func sliceNe(ne [tensor.MaxDims]int, ndims int) []int {
	if ndims <= 0 {
		ndims = tensor.MaxDims
	}
	out := make([]int, ndims)
	copy(out, ne[:ndims])
	return out
}

func setF32Param(t *tensor.Tensor, idx int, v float32) {
	t.OpParams[idx] = int32(math.Float32bits(v))
}

func setI32Param(t *tensor.Tensor, idx int, v int32) {
	t.OpParams[idx] = v
}
