// engine_test.go - End-to-End-Tests ueber die oeffentliche Fassade
package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ggcore/ggcore/dtype"
	"github.com/ggcore/ggcore/quant"
	"github.com/ggcore/ggcore/scheduler"
	"github.com/ggcore/ggcore/tensor"
)

func newTestBackend(t *testing.T, threads int) *Backend {
	t.Helper()
	b, err := NewBackend(BackendParams{NumThreads: threads, ArenaSize: 8 << 20})
	require.NoError(t, err)
	return b
}

func paramFrom(ctx *Context, vals []float32, ne ...int) *tensor.Tensor {
	p := ctx.NewParam(dtype.F32, ne...)
	writeDenseF32(p, vals)
	return p
}

func writeQuantized(t *testing.T, x *tensor.Tensor, vals []float32) {
	t.Helper()
	codec, ok := quant.Codec(x.DType)
	require.True(t, ok)
	codec.FromFloat(vals, x.Bytes())
}

func TestRMSNormForward(t *testing.T) {
	backend := newTestBackend(t, 2)
	ctx := backend.NewContext("rms")

	x := ctx.FromFloats([]float32{1, 2, 3, 4}, 4)
	out := ctx.RMSNorm(x, 1e-6)

	_, res, err := backend.Forward([]*tensor.Tensor{out}, nil)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusOK, res.Status)

	got := scheduler.ToDense(out)
	want := []float32{0.3651, 0.7303, 1.0954, 1.4606}
	for i := range want {
		require.InDelta(t, want[i], got[i], 1e-3)
	}
}

func TestSoftmaxAndCrossEntropy(t *testing.T) {
	backend := newTestBackend(t, 4)
	ctx := backend.NewContext("s3")

	logits := ctx.FromFloats([]float32{1, 2, 3}, 3)
	target := ctx.FromFloats([]float32{0, 0, 1}, 3)
	sm := ctx.Softmax(logits)
	loss := ctx.CrossEntropyLoss(logits, target)

	_, res, err := backend.Forward([]*tensor.Tensor{sm, loss}, nil)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusOK, res.Status)

	gotSM := scheduler.ToDense(sm)
	wantSM := []float32{0.09003, 0.24473, 0.66524}
	for i := range wantSM {
		require.InDelta(t, wantSM[i], gotSM[i], 1e-4)
	}
	require.InDelta(t, 0.40761, scheduler.ToDense(loss)[0], 1e-4)
}

func TestCrossEntropyMatchesSingleThread(t *testing.T) {
	run := func(threads int) float32 {
		backend := newTestBackend(t, threads)
		ctx := backend.NewContext("ce")
		logits := ctx.FromFloats([]float32{0.3, -1.2, 2.5, 0.1, 1.1, -0.4}, 3, 2)
		target := ctx.FromFloats([]float32{1, 0, 0, 0, 0, 1}, 3, 2)
		loss := ctx.CrossEntropyLoss(logits, target)
		_, _, err := backend.Forward([]*tensor.Tensor{loss}, nil)
		require.NoError(t, err)
		return scheduler.ToDense(loss)[0]
	}
	require.Equal(t, run(1), run(4))
}

func TestBackwardOfAdd(t *testing.T) {
	backend := newTestBackend(t, 2)
	ctx := backend.NewContext("s4")

	a := paramFrom(ctx, []float32{1, 2}, 2)
	b := paramFrom(ctx, []float32{3, 4}, 2)
	loss := ctx.Sum(ctx.Add(a, b))

	_, res, err := backend.ForwardBackward(ctx, loss, nil)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusOK, res.Status)

	require.Equal(t, []float32{1, 1}, scheduler.ToDense(a.Grad))
	require.Equal(t, []float32{1, 1}, scheduler.ToDense(b.Grad))
}

func TestBackwardOfMul(t *testing.T) {
	backend := newTestBackend(t, 2)
	ctx := backend.NewContext("mul")

	a := paramFrom(ctx, []float32{0.5, -1.2, 2}, 3)
	b := paramFrom(ctx, []float32{3, 4, -0.25}, 3)
	loss := ctx.Sum(ctx.Mul(a, b))

	_, _, err := backend.ForwardBackward(ctx, loss, nil)
	require.NoError(t, err)

	// d/da sum(a*b) = b, and vice versa.
	require.Equal(t, []float32{3, 4, -0.25}, scheduler.ToDense(a.Grad))
	require.Equal(t, []float32{0.5, -1.2, 2}, scheduler.ToDense(b.Grad))
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	backend := newTestBackend(t, 2)
	ctx := backend.NewContext("fd")

	vals := []float32{0.5, -1.2, 2}
	a := paramFrom(ctx, vals, 3)
	loss := ctx.Sum(ctx.Sqr(a))

	_, _, err := backend.ForwardBackward(ctx, loss, nil)
	require.NoError(t, err)
	grad := scheduler.ToDense(a.Grad)

	// Numerical Jacobian of f(a) = sum(a^2) at eps 1e-3.
	f := func(x []float32) float64 {
		var s float64
		for _, v := range x {
			s += float64(v) * float64(v)
		}
		return s
	}
	const eps = 1e-3
	for i := range vals {
		hi := append([]float32(nil), vals...)
		lo := append([]float32(nil), vals...)
		hi[i] += eps
		lo[i] -= eps
		fd := (f(hi) - f(lo)) / (2 * eps)
		require.InDelta(t, fd, float64(grad[i]), 1e-2*(1+absf64(fd)))
	}
}

func absf64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestBackwardOfMulMat(t *testing.T) {
	backend := newTestBackend(t, 2)
	ctx := backend.NewContext("mm")

	// a[k,m] column-wise [1 2; 3 4], b[k] = [5, 6].
	a := paramFrom(ctx, []float32{1, 2, 3, 4}, 2, 2)
	b := paramFrom(ctx, []float32{5, 6}, 2, 1)
	loss := ctx.Sum(ctx.MulMat(a, b))

	_, _, err := backend.ForwardBackward(ctx, loss, nil)
	require.NoError(t, err)

	require.Equal(t, []float32{5, 6, 5, 6}, scheduler.ToDense(a.Grad))
	require.Equal(t, []float32{4, 6}, scheduler.ToDense(b.Grad))
}

func TestBackwardCrossEntropy(t *testing.T) {
	backend := newTestBackend(t, 2)
	ctx := backend.NewContext("ce-back")

	logits := paramFrom(ctx, []float32{1, 2, 3}, 3)
	target := ctx.FromFloats([]float32{0, 0, 1}, 3)
	loss := ctx.CrossEntropyLoss(logits, target)

	_, _, err := backend.ForwardBackward(ctx, loss, nil)
	require.NoError(t, err)

	got := scheduler.ToDense(logits.Grad)
	want := []float32{0.09003, 0.24473, 0.66524 - 1}
	for i := range want {
		require.InDelta(t, want[i], got[i], 1e-4)
	}
}

func TestCheckpointedBackwardMatchesPlain(t *testing.T) {
	build := func(ctx *Context) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor) {
		a := paramFrom(ctx, []float32{0.5, -1, 2, 0.25}, 4)
		cp := ctx.Sqr(a)
		loss := ctx.Sum(ctx.Scale(cp, 3))
		return a, cp, loss
	}

	backend := newTestBackend(t, 2)

	plainCtx := backend.NewContext("plain")
	aPlain, _, lossPlain := build(plainCtx)
	_, _, err := backend.ForwardBackward(plainCtx, lossPlain, nil)
	require.NoError(t, err)

	cpCtx := backend.NewContext("checkpointed")
	aCp, cp, lossCp := build(cpCtx)
	_, _, err = backend.ForwardBackwardCheckpoint(cpCtx, lossCp, []*tensor.Tensor{cp}, nil)
	require.NoError(t, err)

	require.Equal(t, scheduler.ToDense(aPlain.Grad), scheduler.ToDense(aCp.Grad))
}

func TestReshapePermuteCont(t *testing.T) {
	backend := newTestBackend(t, 2)
	ctx := backend.NewContext("s5")

	x := ctx.FromFloats([]float32{0, 1, 2, 3, 4, 5}, 6)
	r := ctx.Reshape(x, 3, 2)
	tr := ctx.Transpose(r)
	out := ctx.Cont(tr)

	_, _, err := backend.Forward([]*tensor.Tensor{out}, nil)
	require.NoError(t, err)

	require.Equal(t, []float32{0, 3, 1, 4, 2, 5}, scheduler.ToDense(out))
	require.True(t, out.IsContiguous())
}

func TestViewWriteVisibleThroughBase(t *testing.T) {
	backend := newTestBackend(t, 1)
	ctx := backend.NewContext("view")

	base := ctx.FromFloats([]float32{1, 2, 3, 4}, 4)
	v := ctx.View(base, 8, [tensor.MaxDims]int{2, 1, 1, 1}, [tensor.MaxDims]int{})

	writeDenseF32(v, []float32{9, 9})
	require.Equal(t, []float32{1, 2, 9, 9}, scheduler.ToDense(base))
}

func TestQuantisedElementwiseAdd(t *testing.T) {
	backend := newTestBackend(t, 2)
	ctx := backend.NewContext("qadd")

	vals := make([]float32, 32)
	for i := range vals {
		vals[i] = float32(i%7) - 3
	}
	q := ctx.NewTensor(dtype.Q8_0, 32)
	writeQuantized(t, q, vals)
	f := ctx.FromFloats(vals, 32)
	out := ctx.Add(f, q)

	_, _, err := backend.Forward([]*tensor.Tensor{out}, nil)
	require.NoError(t, err)

	got := scheduler.ToDense(out)
	for i := range vals {
		require.InDelta(t, 2*vals[i], got[i], 0.1)
	}
}

func TestGeluQuickAndClamp(t *testing.T) {
	backend := newTestBackend(t, 2)
	ctx := backend.NewContext("unary")

	x := ctx.FromFloats([]float32{-2, -0.5, 0, 0.5, 2}, 5)
	clamped := ctx.Clamp(x, -1, 1)
	gq := ctx.GeluQuick(x)

	_, _, err := backend.Forward([]*tensor.Tensor{clamped, gq}, nil)
	require.NoError(t, err)

	require.Equal(t, []float32{-1, -0.5, 0, 0.5, 1}, scheduler.ToDense(clamped))
	require.Equal(t, float32(0), scheduler.ToDense(gq)[2])
}

func TestWinPartRoundTrip(t *testing.T) {
	backend := newTestBackend(t, 2)
	ctx := backend.NewContext("win")

	// One channel, 3x3 spatial extent, 2x2 windows (padded to 2x2 grid).
	vals := make([]float32, 9)
	for i := range vals {
		vals[i] = float32(i + 1)
	}
	x := ctx.FromFloats(vals, 1, 3, 3)
	part := ctx.WinPart(x, 2)
	require.Equal(t, [tensor.MaxDims]int{1, 2, 2, 4}, part.Ne)
	back := ctx.WinUnpart(part, 3, 3, 2)

	_, _, err := backend.Forward([]*tensor.Tensor{back}, nil)
	require.NoError(t, err)
	require.Equal(t, vals, scheduler.ToDense(back))
}

func TestDump(t *testing.T) {
	backend := newTestBackend(t, 1)
	ctx := backend.NewContext("dump")

	x := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 2)
	out := Dump(x, DumpWithPrecision(1))
	require.Equal(t, "[[1.0, 2.0], [3.0, 4.0]]", out)
}

func TestShapeViolationsPanic(t *testing.T) {
	backend := newTestBackend(t, 1)
	ctx := backend.NewContext("panics")

	a := ctx.FromFloats(make([]float32, 4), 4)
	b := ctx.FromFloats(make([]float32, 3), 3)

	require.Panics(t, func() { ctx.Add(a, b) })
	require.Panics(t, func() { ctx.MulMat(a, b) })
	require.Panics(t, func() { ctx.CrossEntropyLoss(a, b) })
}
