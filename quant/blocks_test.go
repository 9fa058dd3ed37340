// blocks_test.go - Rundreise-Tests fuer die Blockformate
package quant

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ggcore/ggcore/dtype"
	"github.com/ggcore/ggcore/fp16"
)

// testRow fills n elements with a deterministic mix of signs and
// magnitudes that exercises the full quant range.
func testRow(n int) []float32 {
	x := make([]float32, n)
	for i := range x {
		x[i] = float32(math.Sin(float64(i)*0.7)) * (1 + float32(i%5)*0.3)
	}
	return x
}

func maxAbs(x []float32) float32 {
	var m float32
	for _, v := range x {
		if a := float32(math.Abs(float64(v))); a > m {
			m = a
		}
	}
	return m
}

func roundTrip(t *testing.T, dt dtype.DType, n int) ([]float32, []float32) {
	t.Helper()
	x := testRow(n)
	enc := make([]byte, dt.RowSize(n))
	dec := make([]float32, n)
	codec, ok := Codec(dt)
	require.True(t, ok, "codec for %s", dt)
	codec.FromFloat(x, enc)
	codec.ToFloat(enc, dec)
	return x, dec
}

func TestRoundTripErrorBounds(t *testing.T) {
	cases := []struct {
		dt dtype.DType
		// bound is the per-element error allowance as a fraction of the
		// block's max magnitude.
		bound float32
	}{
		{dtype.Q4_0, 1.0 / 8},
		{dtype.Q4_1, 1.0 / 8},
		{dtype.Q5_0, 1.0 / 16},
		{dtype.Q5_1, 1.0 / 16},
		{dtype.Q8_0, 1.0 / 64},
		{dtype.Q8_1, 1.0 / 64},
	}
	for _, c := range cases {
		x, dec := roundTrip(t, c.dt, 64)
		limit := maxAbs(x)*c.bound + 1e-3
		for i := range x {
			require.InDelta(t, x[i], dec[i], float64(limit), "%s element %d", c.dt, i)
		}
	}
}

func TestRoundTripKQuants(t *testing.T) {
	for _, dt := range []dtype.DType{dtype.Q6_K, dtype.Q8_K, dtype.Q4_K} {
		x, dec := roundTrip(t, dt, 256)
		limit := maxAbs(x)/8 + 1e-2
		for i := range x {
			require.InDelta(t, x[i], dec[i], float64(limit), "%s element %d", dt, i)
		}
	}
}

func TestQ4_0ZeroEncodesCleanly(t *testing.T) {
	// The symmetric scale maps 0.0 onto quant code 8 exactly; an all-zero
	// block must decode to exact zeros.
	x := make([]float32, 32)
	enc := make([]byte, 18)
	QuantizeQ4_0(x, enc)
	dec := make([]float32, 32)
	DequantizeQ4_0(enc, dec)
	for _, v := range dec {
		require.Equal(t, float32(0), v)
	}
}

func TestQ4_0BitLayout(t *testing.T) {
	// One block whose extreme lands on the negative end of the range: the
	// scale d = max/-8 is stored as fp16 in the first two bytes.
	x := make([]float32, 32)
	x[0] = -8
	enc := make([]byte, 18)
	QuantizeQ4_0(x, enc)

	d := fp16.ToFloat32(binary.LittleEndian.Uint16(enc[0:2]))
	require.Equal(t, float32(1), d)
	// x[0] quantises to code 0 (low nibble of byte 2): (0-8)*1 = -8.
	require.Equal(t, byte(0), enc[2]&0x0F)
}

func TestQ8_1StoresRowSum(t *testing.T) {
	x := testRow(32)
	enc := make([]byte, 40)
	QuantizeQ8_1(x, enc)

	d := math.Float32frombits(binary.LittleEndian.Uint32(enc[0:4]))
	s := math.Float32frombits(binary.LittleEndian.Uint32(enc[4:8]))
	var sum int32
	for j := 0; j < 32; j++ {
		sum += int32(int8(enc[8+j]))
	}
	require.Equal(t, float32(sum)*d, s)
}

func TestQ5_0HighBitSideTable(t *testing.T) {
	// Values beyond the 4-bit range force the 5th bit into qh.
	x := make([]float32, 32)
	for i := range x {
		x[i] = float32(i) - 16
	}
	enc := make([]byte, 22)
	QuantizeQ5_0(x, enc)
	dec := make([]float32, 32)
	DequantizeQ5_0(enc, dec)

	limit := maxAbs(x)/16 + 1e-3
	for i := range x {
		require.InDelta(t, x[i], dec[i], float64(limit))
	}
	qh := binary.LittleEndian.Uint32(enc[2:6])
	require.NotZero(t, qh)
}
