// access.go - Generische strided Element-Zugriffe fuer Kernel-Implementierungen
//
// Kernels arbeiten ausschliesslich ueber diese Zugriffsfunktionen, statt
// jeweils eigene Byte-Arithmetik zu wiederholen; das haelt jede Kernel-
// Implementierung auf die reine Op-Semantik fokussiert.
package scheduler

import (
	"encoding/binary"
	"math"

	"github.com/ggcore/ggcore/dtype"
	"github.com/ggcore/ggcore/fp16"
	"github.com/ggcore/ggcore/quant"
	"github.com/ggcore/ggcore/tensor"
)

func strideOffset(nb [tensor.MaxDims]int, i [tensor.MaxDims]int) int {
	off := 0
	for d := 0; d < tensor.MaxDims; d++ {
		off += i[d] * nb[d]
	}
	return off
}

// getF32 reads one logical element of t (any native dtype) as float32,
// honouring arbitrary strides. Quantised dtypes are not indexable this way
// (blocks have no meaningful per-element stride); callers must densify
// those first via ToDense.
func getF32(t *tensor.Tensor, i [tensor.MaxDims]int) float32 {
	b := t.Bytes()
	off := strideOffset(t.Nb, i)
	switch t.DType {
	case dtype.F32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b[off : off+4]))
	case dtype.F16:
		return fp16.ToFloat32(binary.LittleEndian.Uint16(b[off : off+2]))
	case dtype.BF16:
		return fp16.BF16ToFloat32(b[off : off+2])
	case dtype.I8:
		return float32(int8(b[off]))
	case dtype.I16:
		return float32(int16(binary.LittleEndian.Uint16(b[off : off+2])))
	case dtype.I32:
		return float32(int32(binary.LittleEndian.Uint32(b[off : off+4])))
	default:
		panic(&KernelError{Op: t.Op, Msg: "getF32: dtype " + t.DType.String() + " is not element-indexable, densify first"})
	}
}

func setF32(t *tensor.Tensor, i [tensor.MaxDims]int, v float32) {
	b := t.Bytes()
	off := strideOffset(t.Nb, i)
	switch t.DType {
	case dtype.F32:
		binary.LittleEndian.PutUint32(b[off:off+4], math.Float32bits(v))
	case dtype.F16:
		binary.LittleEndian.PutUint16(b[off:off+2], fp16.FromFloat32(v))
	case dtype.I32:
		binary.LittleEndian.PutUint32(b[off:off+4], uint32(int32(v)))
	default:
		panic(&KernelError{Op: t.Op, Msg: "setF32: unsupported output dtype " + t.DType.String()})
	}
}

// ToDense returns t's logical contents as a flat row-major ([]float32,
// fastest-varying dimension is Ne[0]) slice, regardless of dtype. Native
// types are read element-by-element honouring strides; quantised types
// must be contiguous (blocks carry no per-element stride) and are decoded
// in one bulk codec call.
func ToDense(t *tensor.Tensor) []float32 {
	n := t.NElements()
	out := make([]float32, n)
	if t.DType.IsQuantized() {
		if !t.IsContiguous() {
			panic(&KernelError{Op: t.Op, Msg: "ToDense: quantised tensor must be contiguous"})
		}
		codec, ok := quant.Codec(t.DType)
		if !ok {
			panic(&KernelError{Op: t.Op, Msg: "ToDense: no codec registered for " + t.DType.String()})
		}
		codec.ToFloat(t.Bytes(), out)
		return out
	}
	idx := 0
	var i [tensor.MaxDims]int
	for i[3] = 0; i[3] < t.Ne[3]; i[3]++ {
		for i[2] = 0; i[2] < t.Ne[2]; i[2]++ {
			for i[1] = 0; i[1] < t.Ne[1]; i[1]++ {
				for i[0] = 0; i[0] < t.Ne[0]; i[0]++ {
					out[idx] = getF32(t, i)
					idx++
				}
			}
		}
	}
	return out
}

// broadcastIndex maps a destination multi-index onto src's index space per
// spec §3's repeat-broadcast rule (src.Ne[d] divides dst.Ne[d]).
func broadcastIndex(dstIdx [tensor.MaxDims]int, srcNe [tensor.MaxDims]int) [tensor.MaxDims]int {
	var si [tensor.MaxDims]int
	for d := 0; d < tensor.MaxDims; d++ {
		if srcNe[d] > 0 {
			si[d] = dstIdx[d] % srcNe[d]
		}
	}
	return si
}

// KernelError reports a node whose op has no registered scheduler kernel,
// or whose operands fail a kernel-level precondition (contiguity, dtype).
// These are programmer errors per spec §7 and are meant to panic, not be
// recovered.
type KernelError struct {
	Op  tensor.Op
	Msg string
}

func (e *KernelError) Error() string {
	return "scheduler: " + e.Op.String() + ": " + e.Msg
}
