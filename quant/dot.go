// dot.go - Codec-Tabelle und Vektor-Dot-Produkte zwischen Blockformaten
//
// Jeder Dtype bekommt einen CodecOps-Eintrag mit ToFloat/FromFloat/VecDot,
// analog zur Function-Pointer-Tabelle der Referenz. VecDot hat zwei Pfade:
// eine Skalar-Referenz mit float64-Akkumulation (fuer Parity-Tests) und einen ueber
// gorgonia.org/vecf32 vektorisierten Pfad fuer den heissen Pfad aus
// scheduler.
package quant

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/ggcore/ggcore/dtype"
	"gorgonia.org/vecf32"
	"gorgonia.org/vecf64"
)

// ToFloatFunc dequantises n elements starting at a block boundary.
type ToFloatFunc func(data []byte, out []float32)

// FromFloatFunc quantises n elements (n a multiple of block_size) into data.
type FromFloatFunc func(x []float32, out []byte)

// VecDotFunc computes the dot product of n elements of a (dtype ta) against
// n elements of b (dtype CodecOps.VecDotType).
type VecDotFunc func(n int, a, b []byte) float32

// CodecOps is the capability set registered per dtype, mirroring the
// reference engine's per-type function-pointer table (spec: "a process-wide
// immutable table indexed by dtype").
type CodecOps struct {
	DType        dtype.DType
	ToFloat      ToFloatFunc
	FromFloat    FromFloatFunc
	FromFloatRef FromFloatFunc // bit-exact nearest-ties-away reference quantiser
	VecDot       VecDotFunc
	VecDotType   dtype.DType
}

var codecTable map[dtype.DType]CodecOps
var codecOnce sync.Once

// Codec returns the registered capability set for dt, or false if dt is a
// native (non-block) type with no quantisation codec.
func Codec(dt dtype.DType) (CodecOps, bool) {
	codecOnce.Do(buildCodecTable)
	c, ok := codecTable[dt]
	return c, ok
}

func buildCodecTable() {
	codecTable = map[dtype.DType]CodecOps{
		dtype.Q4_0: {DType: dtype.Q4_0, ToFloat: DequantizeQ4_0, FromFloat: QuantizeQ4_0, FromFloatRef: QuantizeQ4_0, VecDot: vecDotQ4_0Q8_0, VecDotType: dtype.Q8_0},
		dtype.Q4_1: {DType: dtype.Q4_1, ToFloat: DequantizeQ4_1, FromFloat: QuantizeQ4_1, FromFloatRef: QuantizeQ4_1, VecDot: vecDotQ4_1Q8_1, VecDotType: dtype.Q8_1},
		dtype.Q5_0: {DType: dtype.Q5_0, ToFloat: DequantizeQ5_0, FromFloat: QuantizeQ5_0, FromFloatRef: QuantizeQ5_0, VecDot: vecDotGenericViaFloat(dtype.Q5_0, dtype.Q8_0), VecDotType: dtype.Q8_0},
		dtype.Q5_1: {DType: dtype.Q5_1, ToFloat: DequantizeQ5_1, FromFloat: QuantizeQ5_1, FromFloatRef: QuantizeQ5_1, VecDot: vecDotGenericViaFloat(dtype.Q5_1, dtype.Q8_1), VecDotType: dtype.Q8_1},
		dtype.Q8_0: {DType: dtype.Q8_0, ToFloat: DequantizeQ8_0, FromFloat: QuantizeQ8_0, FromFloatRef: QuantizeQ8_0, VecDot: vecDotQ8_0Q8_0, VecDotType: dtype.Q8_0},
		dtype.Q8_1: {DType: dtype.Q8_1, ToFloat: DequantizeQ8_1, FromFloat: QuantizeQ8_1, FromFloatRef: QuantizeQ8_1, VecDot: vecDotGenericViaFloat(dtype.Q8_1, dtype.Q8_1), VecDotType: dtype.Q8_1},
		dtype.Q6_K: {DType: dtype.Q6_K, ToFloat: DequantizeQ6_K, FromFloat: QuantizeQ6_K, FromFloatRef: QuantizeQ6_K, VecDot: vecDotGenericViaFloat(dtype.Q6_K, dtype.Q8_K), VecDotType: dtype.Q8_K},
	}
	for _, dt := range []dtype.DType{dtype.Q2_K, dtype.Q3_K, dtype.Q4_K, dtype.Q5_K, dtype.Q8_K} {
		dt := dt
		codecTable[dt] = CodecOps{
			DType:        dt,
			ToFloat:      func(data []byte, out []float32) { DequantizeGenericK(dt, data, out) },
			FromFloat:    func(x []float32, out []byte) { QuantizeGenericK(dt, x, out) },
			FromFloatRef: func(x []float32, out []byte) { QuantizeGenericK(dt, x, out) },
			VecDot:       vecDotGenericViaFloat(dt, dtype.Q8_K),
			VecDotType:   dtype.Q8_K,
		}
	}
}

// vecDotFast computes the dot product using vecf32's vectorised
// elementwise multiply as the hot-path analogue of a hand-written SIMD
// kernel: multiply into a scratch buffer, then reduce.
func vecDotFast(a, b []float32) float32 {
	scratch := make([]float32, len(a))
	copy(scratch, a)
	vecf32.Mul(scratch, b)
	var sum float32
	for _, v := range scratch {
		sum += v
	}
	return sum
}

// VecDotRef is the high-precision reference dot product: both operands
// are dequantised through the codec table and the reduction runs in
// float64 end to end. Every fast path must agree with it to within 1 f32
// ULP per contracted element; parity tests compare against this.
func VecDotRef(ta, tb dtype.DType, n int, a, b []byte) float32 {
	fa := make([]float32, n)
	fb := make([]float32, n)
	dequantizeByType(ta, a, fa)
	dequantizeByType(tb, b, fb)
	da := make([]float64, n)
	db := make([]float64, n)
	for i := range fa {
		da[i] = float64(fa[i])
		db[i] = float64(fb[i])
	}
	vecf64.Mul(da, db)
	var sum float64
	for _, v := range da {
		sum += v
	}
	return float32(sum)
}

// vecDotQ4_0Q8_0 dequantises both operands block-by-block and reduces with
// the vectorised path, matching the reference's "dequantise-then-FMA" inner
// loop structure for asymmetric (symmetric-times-symmetric) formats.
func vecDotQ4_0Q8_0(n int, a, b []byte) float32 {
	fa := make([]float32, n)
	fb := make([]float32, n)
	DequantizeQ4_0(a, fa)
	DequantizeQ8_0(b, fb)
	return vecDotFast(fa, fb)
}

func vecDotQ8_0Q8_0(n int, a, b []byte) float32 {
	fa := make([]float32, n)
	fb := make([]float32, n)
	DequantizeQ8_0(a, fa)
	DequantizeQ8_0(b, fb)
	return vecDotFast(fa, fb)
}

func vecDotQ4_1Q8_1(n int, a, b []byte) float32 {
	fa := make([]float32, n)
	fb := make([]float32, n)
	DequantizeQ4_1(a, fa)
	DequantizeQ8_1(b, fb)
	return vecDotFast(fa, fb)
}

// vecDotGenericViaFloat builds a VecDotFunc for any (ta, tb) pair by
// dequantising both sides into float32 through the registered codec table
// and reducing with the vectorised path. Used for the less latency-critical
// formats where a dedicated packed-integer kernel isn't worth the
// complexity (K-quants, 5-bit formats).
func vecDotGenericViaFloat(ta, tb dtype.DType) VecDotFunc {
	return func(n int, a, b []byte) float32 {
		fa := make([]float32, n)
		fb := make([]float32, n)
		dequantizeByType(ta, a, fa)
		dequantizeByType(tb, b, fb)
		return vecDotFast(fa, fb)
	}
}

func dequantizeByType(dt dtype.DType, data []byte, out []float32) {
	switch dt {
	case dtype.F32:
		copy(out, bytesToF32(data, len(out)))
	case dtype.Q4_0:
		DequantizeQ4_0(data, out)
	case dtype.Q4_1:
		DequantizeQ4_1(data, out)
	case dtype.Q5_0:
		DequantizeQ5_0(data, out)
	case dtype.Q5_1:
		DequantizeQ5_1(data, out)
	case dtype.Q8_0:
		DequantizeQ8_0(data, out)
	case dtype.Q8_1:
		DequantizeQ8_1(data, out)
	case dtype.Q6_K:
		DequantizeQ6_K(data, out)
	default:
		DequantizeGenericK(dt, data, out)
	}
}

func bytesToF32(data []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
	}
	return out
}
