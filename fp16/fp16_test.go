// fp16_test.go - Tests fuer Konvertierungs- und Aktivierungstabellen
package fp16

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
)

func TestRoundTripExactValues(t *testing.T) {
	// Powers of two and small integers are exactly representable in fp16.
	for _, v := range []float32{0, 1, -1, 0.5, 2, -4, 1024, 0.25} {
		require.Equal(t, v, ToFloat32(FromFloat32(v)))
	}
}

func TestTableMatchesCodec(t *testing.T) {
	// Spot-check a few bit patterns against an independent decode via the
	// encode side: decode(bits) re-encoded must give back bits for normal
	// numbers.
	for _, bits := range []uint16{0x0000, 0x3C00, 0xBC00, 0x4000, 0x7BFF} {
		f := ToFloat32(bits)
		require.Equal(t, bits, FromFloat32(f))
	}
}

func TestDecodeEncodeSlice(t *testing.T) {
	in := []float32{1, -2, 0.5, 3}
	bits := make([]uint16, len(in))
	EncodeSlice(in, bits)
	out := make([]float32, len(in))
	DecodeSlice(bits, out)
	require.Equal(t, in, out)
}

func TestActivationTables(t *testing.T) {
	require.Equal(t, float32(0), Gelu(0))
	require.Equal(t, float32(0), Silu(0))
	require.Equal(t, float32(1), Exp(0))

	// Table values are the function evaluated at the fp16 rounding of the
	// argument; for exactly representable arguments only the f32 math
	// itself differs.
	require.InDelta(t, 1/(1+math32.Exp(-1)), Silu(1), 1e-6)
	require.InDelta(t, math32.Exp(2), Exp(2), 1e-3)
	require.InDelta(t, 0.8412, Gelu(1), 1e-3)
	require.InDelta(t, -0.1542, GeluQuick(-1), 1e-2)
}

func TestBF16RoundTrip(t *testing.T) {
	in := []float32{1, -2, 0.5, 128}
	enc := BF16EncodeSlice(in)
	out := BF16DecodeSlice(enc)
	require.Equal(t, in, out)
}
