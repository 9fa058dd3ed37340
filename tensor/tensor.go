// Package tensor - Gestriffte N-dimensionale Tensoren
//
// Ein Tensor beschreibt eine strided Sicht auf Speicher, der von einem
// arena.Context verwaltet wird. Tensoren selbst speichern keine Bytes;
// sie halten eine arena.ID, die auf ihre Daten zeigt (oder, bei Views,
// einen Pointer auf den Quell-Tensor plus einen Byte-Offset).
package tensor

import (
	"github.com/ggcore/ggcore/arena"
	"github.com/ggcore/ggcore/dtype"
)

// MaxDims is the maximum tensor rank. Shapes with fewer dimensions pad the
// trailing ne entries with 1 and nb entries by extending the stride of the
// last real dimension.
const MaxDims = 4

// MaxSrc is the maximum number of source operands a single op node may
// reference (enough for the widest op, rope's multi-operand variants).
const MaxSrc = 10

// MaxOpParamBytes bounds the inline op_params buffer, big enough for
// MaxOpParamBytes/4 (16) int32 slots without a separate heap allocation
// per node.
const MaxOpParamBytes = 64

// MaxNameLen bounds Tensor.Name, matching the GGUF tensor-info string cap
// used when a tensor is serialised as part of a container.
const MaxNameLen = 64

// Op tags the operation that produced a Tensor. OpNone marks a leaf: an
// input, a parameter, or a constant with no producing operation.
type Op uint32

const (
	OpNone Op = iota
	OpDup
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpSqr
	OpSqrt
	OpSum
	OpMean
	OpRepeat
	OpConcat
	OpSilu
	OpGelu
	OpRelu
	OpSoftmax
	OpNorm
	OpRMSNorm
	OpMulMat
	OpScale
	OpSet
	OpCpy
	OpCont
	OpReshape
	OpView
	OpPermute
	OpTranspose
	OpGetRows
	OpDiagMaskInf
	OpRope
	OpConv1D
	OpConv2D
	OpPool2D
	OpFlashAttn
	OpGeluQuick
	OpClamp
	OpAlibi
	OpUpscale
	OpWinPart
	OpWinUnpart
	OpCrossEntropy
	OpCount
)

//go:generate stringer -type=Op
func (o Op) String() string {
	names := [...]string{
		"NONE", "DUP", "ADD", "SUB", "MUL", "DIV", "SQR", "SQRT", "SUM", "MEAN",
		"REPEAT", "CONCAT", "SILU", "GELU", "RELU", "SOFTMAX", "NORM", "RMS_NORM",
		"MUL_MAT", "SCALE", "SET", "CPY", "CONT", "RESHAPE", "VIEW", "PERMUTE",
		"TRANSPOSE", "GET_ROWS", "DIAG_MASK_INF", "ROPE", "CONV_1D", "CONV_2D",
		"POOL_2D", "FLASH_ATTN", "GELU_QUICK", "CLAMP", "ALIBI", "UPSCALE",
		"WIN_PART", "WIN_UNPART", "CROSS_ENTROPY_LOSS",
	}
	if int(o) < len(names) {
		return names[o]
	}
	return "UNKNOWN"
}

// Tensor is a strided view over arena-owned storage. The zero value is not
// usable; construct one through a Context (see engine.Context in the
// engine package, which wraps arena.Context + the op catalogue).
type Tensor struct {
	Name string

	DType dtype.DType
	NDims int
	Ne    [MaxDims]int // number of elements per dimension
	Nb    [MaxDims]int // stride in bytes per dimension

	Op       Op
	OpParams [MaxOpParamBytes / 4]int32
	Src      [MaxSrc]*Tensor

	// ViewSrc is non-nil when this tensor is a view (reshape/permute/
	// transpose/slice) of another tensor's storage; ViewOffs is the byte
	// offset into ViewSrc's data where this view's element (0,0,0,0) lives.
	ViewSrc  *Tensor
	ViewOffs int

	Grad    *Tensor
	IsParam bool

	arena *arena.Context
	data  arena.ID
	// hasData distinguishes a tensor that legitimately owns no data (a
	// view delegates to ViewSrc; a no_alloc planning tensor has none yet)
	// from one still awaiting allocation.
	hasData bool
}

// SetName sets the tensor's debug identifier, truncated to MaxNameLen.
func (t *Tensor) SetName(name string) *Tensor {
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	t.Name = name
	return t
}

// SetOpParamI32 stores v in the op_params slot at idx.
func (t *Tensor) SetOpParamI32(idx int, v int32) {
	t.OpParams[idx] = v
}

// OpParamI32 reads the op_params slot at idx.
func (t *Tensor) OpParamI32(idx int) int32 {
	return t.OpParams[idx]
}

// NElements returns the total number of logical elements across all dims.
func (t *Tensor) NElements() int {
	n := 1
	for i := 0; i < MaxDims; i++ {
		n *= t.Ne[i]
	}
	return n
}

// NBytes returns the number of bytes the tensor's row-major logical extent
// occupies, accounting for quantised block packing.
func (t *Tensor) NBytes() int {
	if t.DType.BlockSize() == 1 {
		return t.NElements() * t.DType.TypeSize()
	}
	return t.NElements() / t.DType.BlockSize() * t.DType.TypeSize()
}

// IsContiguous reports whether Nb matches the canonical row-major strides
// for Ne and DType, i.e. there are no gaps between consecutive elements
// along any dimension.
func (t *Tensor) IsContiguous() bool {
	expected := t.DType.TypeSize()
	if t.Ne[0]%t.DType.BlockSize() != 0 {
		return false
	}
	if t.Nb[0] != expected {
		return false
	}
	stride := expected * t.Ne[0] / t.DType.BlockSize()
	for i := 1; i < MaxDims; i++ {
		if t.Nb[i] != stride {
			return false
		}
		stride *= t.Ne[i]
	}
	return true
}

// IsTransposed reports whether the first two dimensions' strides are
// swapped relative to the canonical row-major layout (Nb[0] > Nb[1]).
func (t *Tensor) IsTransposed() bool {
	return t.Nb[0] > t.Nb[1]
}

// IsPermuted reports whether any dimension's stride is out of the
// canonical non-decreasing order; a plain transpose (Nb[0] > Nb[1]) counts
// as permuted too.
func (t *Tensor) IsPermuted() bool {
	return t.Nb[0] > t.Nb[1] || t.Nb[1] > t.Nb[2] || t.Nb[2] > t.Nb[3]
}

// IsView reports whether the tensor aliases another tensor's storage.
func (t *Tensor) IsView() bool {
	return t.ViewSrc != nil
}

// Context returns the arena.Context that owns this tensor's (or its view
// root's) storage.
func (t *Tensor) Context() *arena.Context {
	if t.ViewSrc != nil {
		return t.ViewSrc.Context()
	}
	return t.arena
}

// Bytes resolves the tensor to its backing byte slice, honouring ViewOffs
// for views. Returns nil for a tensor with no allocated storage yet
// (no_alloc planning mode).
func (t *Tensor) Bytes() []byte {
	root := t
	offs := 0
	for root.ViewSrc != nil {
		offs += root.ViewOffs
		root = root.ViewSrc
	}
	if !root.hasData || root.arena == nil {
		return nil
	}
	b := root.arena.Bytes(root.data)
	if b == nil {
		return nil
	}
	return b[offs:]
}

// bind attaches storage allocated from ctx to t. Used by the allocator when
// constructing leaves and op outputs; views instead set ViewSrc/ViewOffs
// and never call bind.
func (t *Tensor) bind(ctx *arena.Context, id arena.ID) {
	t.arena = ctx
	t.data = id
	t.hasData = true
}
