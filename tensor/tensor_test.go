// tensor_test.go - Tests fuer Stride-Invarianten, Views und Shape-Algebra
package tensor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ggcore/ggcore/arena"
	"github.com/ggcore/ggcore/dtype"
)

func newTestCtx(t *testing.T) *arena.Context {
	t.Helper()
	return arena.New("test", 1<<20, nil, false)
}

func TestContiguousStrides(t *testing.T) {
	ctx := newTestCtx(t)
	x, err := New(ctx, dtype.F32, 4, 3, 2)
	require.NoError(t, err)

	require.Equal(t, [MaxDims]int{4, 3, 2, 1}, x.Ne)
	require.Equal(t, [MaxDims]int{4, 16, 48, 96}, x.Nb)
	require.True(t, x.IsContiguous())
	require.False(t, x.IsTransposed())
	require.False(t, x.IsPermuted())
	require.Equal(t, 24, x.NElements())
	require.Equal(t, 96, x.NBytes())
}

func TestQuantisedStrides(t *testing.T) {
	ctx := newTestCtx(t)
	x, err := New(ctx, dtype.Q4_0, 64, 2)
	require.NoError(t, err)

	// nb[0] is the type size, nb[1] covers two 18-byte blocks.
	require.Equal(t, 18, x.Nb[0])
	require.Equal(t, 36, x.Nb[1])
	require.True(t, x.IsContiguous())
	require.Equal(t, 72, x.NBytes())
}

func TestViewAliasesStorage(t *testing.T) {
	ctx := newTestCtx(t)
	base, err := New(ctx, dtype.F32, 8)
	require.NoError(t, err)

	v, err := View(base, dtype.F32, 16, [MaxDims]int{4, 1, 1, 1}, [MaxDims]int{})
	require.NoError(t, err)
	require.True(t, v.IsView())

	// Writes through the view are visible through the base at the byte
	// offset.
	v.Bytes()[0] = 0xCD
	require.Equal(t, byte(0xCD), base.Bytes()[16])
}

func TestViewOutOfBounds(t *testing.T) {
	ctx := newTestCtx(t)
	base, err := New(ctx, dtype.F32, 4)
	require.NoError(t, err)

	_, err = View(base, dtype.F32, 8, [MaxDims]int{4, 1, 1, 1}, [MaxDims]int{})
	var vb *ViewBoundsError
	require.ErrorAs(t, err, &vb)
}

func TestViewOfViewFlattens(t *testing.T) {
	ctx := newTestCtx(t)
	base, err := New(ctx, dtype.F32, 16)
	require.NoError(t, err)
	v1, err := View(base, dtype.F32, 16, [MaxDims]int{8, 1, 1, 1}, [MaxDims]int{})
	require.NoError(t, err)
	v2, err := View(v1, dtype.F32, 8, [MaxDims]int{4, 1, 1, 1}, [MaxDims]int{})
	require.NoError(t, err)

	// The chain collapses onto the root tensor with summed offsets.
	require.Same(t, base, v2.ViewSrc)
	require.Equal(t, 24, v2.ViewOffs)
}

func TestReshapeRequiresContiguous(t *testing.T) {
	ctx := newTestCtx(t)
	x, err := New(ctx, dtype.F32, 4, 2)
	require.NoError(t, err)

	r, err := Reshape(x, 2, 4)
	require.NoError(t, err)
	require.Equal(t, [MaxDims]int{2, 4, 1, 1}, r.Ne)

	tr, err := Transpose(x)
	require.NoError(t, err)
	_, err = Reshape(tr, 8)
	var nc *NonContiguousError
	require.ErrorAs(t, err, &nc)
}

func TestReshapeElementCountMismatch(t *testing.T) {
	ctx := newTestCtx(t)
	x, err := New(ctx, dtype.F32, 6)
	require.NoError(t, err)
	_, err = Reshape(x, 4, 2)
	var se *ShapeError
	require.ErrorAs(t, err, &se)
}

func TestTransposeSwapsStrides(t *testing.T) {
	ctx := newTestCtx(t)
	x, err := New(ctx, dtype.F32, 3, 2)
	require.NoError(t, err)

	tr, err := Transpose(x)
	require.NoError(t, err)
	require.Equal(t, [MaxDims]int{2, 3, 1, 1}, tr.Ne)
	require.Equal(t, x.Nb[1], tr.Nb[0])
	require.Equal(t, x.Nb[0], tr.Nb[1])
	require.True(t, tr.IsTransposed())
	require.False(t, tr.IsContiguous())
}

func TestBroadcastRule(t *testing.T) {
	ctx := newTestCtx(t)
	a, _ := New(ctx, dtype.F32, 4, 6)
	b, _ := New(ctx, dtype.F32, 4, 3)
	c, _ := New(ctx, dtype.F32, 4, 5)
	require.True(t, CanBroadcast(a, b))
	require.False(t, CanBroadcast(a, c))
}

func TestMulMatShape(t *testing.T) {
	ctx := newTestCtx(t)
	a, _ := New(ctx, dtype.F32, 64, 32)
	b, _ := New(ctx, dtype.F32, 64, 16)
	require.True(t, CanMulMat(a, b))
	require.Equal(t, [MaxDims]int{32, 16, 1, 1}, MulMatShape(a, b))

	c, _ := New(ctx, dtype.F32, 48, 16)
	require.False(t, CanMulMat(a, c))
}

func TestSetNameTruncates(t *testing.T) {
	ctx := newTestCtx(t)
	x, _ := New(ctx, dtype.F32, 1)
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	x.SetName(string(long))
	require.Len(t, x.Name, MaxNameLen)
}
