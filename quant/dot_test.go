// dot_test.go - Paritaets-Tests Skalar-Referenz vs. vektorisierter Pfad
package quant

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ggcore/ggcore/dtype"
)

func TestCodecTableCoverage(t *testing.T) {
	for _, dt := range []dtype.DType{
		dtype.Q4_0, dtype.Q4_1, dtype.Q5_0, dtype.Q5_1, dtype.Q8_0, dtype.Q8_1,
		dtype.Q2_K, dtype.Q3_K, dtype.Q4_K, dtype.Q5_K, dtype.Q6_K, dtype.Q8_K,
	} {
		c, ok := Codec(dt)
		require.True(t, ok, "codec for %s", dt)
		require.NotNil(t, c.ToFloat)
		require.NotNil(t, c.FromFloat)
		require.NotNil(t, c.FromFloatRef)
		require.NotNil(t, c.VecDot)
		require.True(t, c.VecDotType.IsQuantized())
	}
	_, ok := Codec(dtype.F32)
	require.False(t, ok)
}

func TestVecDotParityWithReference(t *testing.T) {
	const n = 256
	a := testRow(n)
	b := make([]float32, n)
	for i := range b {
		b[i] = testRow(n)[(i*7)%n] * 0.5
	}

	for _, dt := range []dtype.DType{dtype.Q4_0, dtype.Q4_1, dtype.Q5_0, dtype.Q5_1, dtype.Q8_0, dtype.Q6_K} {
		codec, ok := Codec(dt)
		require.True(t, ok)

		encA := make([]byte, dt.RowSize(n))
		codec.FromFloat(a, encA)

		rhs := codec.VecDotType
		rhsCodec, ok := Codec(rhs)
		require.True(t, ok)
		encB := make([]byte, rhs.RowSize(n))
		rhsCodec.FromFloat(b, encB)

		fast := codec.VecDot(n, encA, encB)
		ref := VecDotRef(dt, rhs, n, encA, encB)
		// The fast path accumulates in f32; the f64 reference bounds the
		// admissible divergence to f32 rounding of the reduction.
		require.InDelta(t, ref, fast, 1e-2, "dtype %s", dt)
	}
}

func TestVecDotAgainstDense(t *testing.T) {
	// Quantise, dequantise, and reduce by hand: VecDot must match the
	// dense dot of its own decoded operands almost exactly.
	const n = 64
	a := testRow(n)
	b := testRow(n)

	codec, _ := Codec(dtype.Q4_0)
	encA := make([]byte, dtype.Q4_0.RowSize(n))
	codec.FromFloat(a, encA)
	rhsCodec, _ := Codec(dtype.Q8_0)
	encB := make([]byte, dtype.Q8_0.RowSize(n))
	rhsCodec.FromFloat(b, encB)

	da := make([]float32, n)
	db := make([]float32, n)
	codec.ToFloat(encA, da)
	rhsCodec.ToFloat(encB, db)
	var want float64
	for i := range da {
		want += float64(da[i]) * float64(db[i])
	}

	got := codec.VecDot(n, encA, encB)
	require.InDelta(t, want, float64(got), 1e-3)
}

func TestQuantizeChunk(t *testing.T) {
	const n = 128
	src := testRow(n)
	dst := make([]byte, dtype.Q4_0.RowSize(n))
	hist := make([]int64, HistogramBuckets)

	written, err := QuantizeChunk(dtype.Q4_0, src, dst, 32, 64, hist)
	require.NoError(t, err)
	require.Equal(t, dtype.Q4_0.RowSize(64), written)

	// Exactly the chunk's element count lands in the histogram.
	var total int64
	for _, c := range hist {
		total += c
	}
	require.Equal(t, int64(64), total)

	// The first block was not touched.
	require.Equal(t, make([]byte, 18), dst[:18])

	_, err = QuantizeChunk(dtype.Q4_0, src, dst, 5, 64, hist)
	require.Error(t, err)

	_, err = QuantizeChunk(dtype.F32, src, dst, 0, 32, hist)
	require.Error(t, err)
}

func TestFromFloatRefDeterminism(t *testing.T) {
	x := testRow(64)
	codec, _ := Codec(dtype.Q4_0)
	a := make([]byte, dtype.Q4_0.RowSize(64))
	b := make([]byte, dtype.Q4_0.RowSize(64))
	codec.FromFloatRef(x, a)
	codec.FromFloatRef(x, b)
	require.Equal(t, a, b)
}
