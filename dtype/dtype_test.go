// dtype_test.go - Tests fuer Block- und Byte-Groessen-Tabellen
package dtype

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockSizes(t *testing.T) {
	cases := []struct {
		dt        DType
		blockSize int
		typeSize  int
	}{
		{F32, 1, 4},
		{F16, 1, 2},
		{BF16, 1, 2},
		{I8, 1, 1},
		{I16, 1, 2},
		{I32, 1, 4},
		{Q4_0, 32, 18},
		{Q4_1, 32, 20},
		{Q5_0, 32, 22},
		{Q5_1, 32, 24},
		{Q8_0, 32, 34},
		{Q8_1, 32, 40},
		{Q2_K, 256, 84},
		{Q3_K, 256, 110},
		{Q4_K, 256, 144},
		{Q5_K, 256, 176},
		{Q6_K, 256, 210},
		{Q8_K, 256, 292},
	}
	for _, c := range cases {
		require.Equal(t, c.blockSize, c.dt.BlockSize(), "%s block size", c.dt)
		require.Equal(t, c.typeSize, c.dt.TypeSize(), "%s type size", c.dt)
	}
}

func TestRowSize(t *testing.T) {
	require.Equal(t, 256, F32.RowSize(64))
	require.Equal(t, 36, Q4_0.RowSize(64)) // two 18-byte blocks
	require.Equal(t, 210, Q6_K.RowSize(256))
}

func TestParseRoundTrip(t *testing.T) {
	for dt := F32; dt <= Q8_K; dt++ {
		parsed, err := Parse(dt.String())
		require.NoError(t, err)
		require.Equal(t, dt, parsed)
	}
	_, err := Parse("Q7_7")
	require.Error(t, err)
}

func TestIsQuantized(t *testing.T) {
	require.False(t, F32.IsQuantized())
	require.False(t, I32.IsQuantized())
	require.True(t, Q4_0.IsQuantized())
	require.True(t, Q8_K.IsQuantized())
}
