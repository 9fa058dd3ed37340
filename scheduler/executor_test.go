// executor_test.go - End-to-End-Tests fuer Planung, Barriere und Determinismus
package scheduler_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ggcore/ggcore/dtype"
	"github.com/ggcore/ggcore/engine"
	"github.com/ggcore/ggcore/graph"
	"github.com/ggcore/ggcore/quant"
	"github.com/ggcore/ggcore/scheduler"
	"github.com/ggcore/ggcore/tensor"
)

func newBackend(t *testing.T, threads int) *engine.Backend {
	t.Helper()
	b, err := engine.NewBackend(engine.BackendParams{NumThreads: threads, ArenaSize: 8 << 20})
	require.NoError(t, err)
	return b
}

// fillQuantized quantises vals into t's packed storage.
func fillQuantized(t *testing.T, x *tensor.Tensor, vals []float32) {
	t.Helper()
	codec, ok := quant.Codec(x.DType)
	require.True(t, ok)
	codec.FromFloat(vals, x.Bytes())
}

// s1Inputs builds the quantised matmul parity inputs: A[64,32] with
// a[i,j] = 0.01*(i-j) as Q4_0, B[64,16] with b[i,j] = sin(i+j) as Q8_0.
func s1Inputs(t *testing.T, ctx *engine.Context) (*tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	const k, m, n = 64, 32, 16

	aVals := make([]float32, k*m)
	for j := 0; j < m; j++ {
		for i := 0; i < k; i++ {
			aVals[j*k+i] = 0.01 * float32(i-j)
		}
	}
	a := ctx.NewTensor(dtype.Q4_0, k, m)
	fillQuantized(t, a, aVals)

	bVals := make([]float32, k*n)
	for j := 0; j < n; j++ {
		for i := 0; i < k; i++ {
			bVals[j*k+i] = float32(math.Sin(float64(i + j)))
		}
	}
	b := ctx.NewTensor(dtype.Q8_0, k, n)
	fillQuantized(t, b, bVals)
	return a, b
}

func TestQuantizedMulMatParity(t *testing.T) {
	backend := newBackend(t, 4)
	ctx := backend.NewContext("s1")
	a, b := s1Inputs(t, ctx)
	out := ctx.MulMat(a, b)

	_, res, err := backend.Forward([]*tensor.Tensor{out}, nil)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusOK, res.Status)

	// The F32 reference: dequantise both sides and contract in float64.
	const k, m, n = 64, 32, 16
	da := make([]float32, k*m)
	db := make([]float32, k*n)
	codecA, _ := quant.Codec(dtype.Q4_0)
	codecB, _ := quant.Codec(dtype.Q8_0)
	codecA.ToFloat(a.Bytes(), da)
	codecB.ToFloat(b.Bytes(), db)

	got := scheduler.ToDense(out)
	for col := 0; col < n; col++ {
		for row := 0; row < m; row++ {
			var want float64
			for kk := 0; kk < k; kk++ {
				want += float64(da[row*k+kk]) * float64(db[col*k+kk])
			}
			require.InDelta(t, want, float64(got[col*m+row]), 5e-3, "element (%d, %d)", row, col)
		}
	}
}

// TestBarrierOrdering is spec scenario S6: matmul followed by add must be
// bit-identical across thread counts, for both F32 and Q4_0 x Q8_0.
func TestBarrierOrdering(t *testing.T) {
	run := func(threads int, quantised bool) []float32 {
		backend := newBackend(t, threads)
		ctx := backend.NewContext("s6")

		var a, b *tensor.Tensor
		if quantised {
			a, b = s1Inputs(t, ctx)
		} else {
			const k, m, n = 64, 32, 16
			aVals := make([]float32, k*m)
			for i := range aVals {
				aVals[i] = float32(math.Cos(float64(i) * 0.01))
			}
			bVals := make([]float32, k*n)
			for i := range bVals {
				bVals[i] = float32(math.Sin(float64(i) * 0.02))
			}
			a = ctx.FromFloats(aVals, k, m)
			b = ctx.FromFloats(bVals, k, n)
		}

		mm := ctx.MulMat(a, b)
		bias := make([]float32, mm.Ne[0])
		for i := range bias {
			bias[i] = float32(i) * 0.125
		}
		out := ctx.Add(mm, ctx.FromFloats(bias, len(bias)))

		_, res, err := backend.Forward([]*tensor.Tensor{out}, nil)
		require.NoError(t, err)
		require.Equal(t, scheduler.StatusOK, res.Status)
		return scheduler.ToDense(out)
	}

	for _, quantised := range []bool{false, true} {
		single := run(1, quantised)
		multi := run(4, quantised)
		require.Equal(t, single, multi, "quantised=%v results must be bit-identical across thread counts", quantised)
	}
}

func TestComputeDeterminism(t *testing.T) {
	run := func() []float32 {
		backend := newBackend(t, 4)
		ctx := backend.NewContext("det")
		a, b := s1Inputs(t, ctx)
		out := ctx.Softmax(ctx.MulMat(a, b))
		_, _, err := backend.Forward([]*tensor.Tensor{out}, nil)
		require.NoError(t, err)
		return scheduler.ToDense(out)
	}
	require.Equal(t, run(), run())
}

func TestPlanTaskCounts(t *testing.T) {
	backend := newBackend(t, 4)
	ctx := backend.NewContext("plan")
	a := ctx.FromFloats(make([]float32, 64*8), 64, 8)
	b := ctx.FromFloats(make([]float32, 64*4), 64, 4)
	mm := ctx.MulMat(a, b)
	tr := ctx.Transpose(mm)
	out := ctx.Cont(tr)

	g := graph.BuildForward(out)
	p := scheduler.Build(g, 4)

	for i, n := range g.Nodes {
		switch n.Op {
		case tensor.OpMulMat, tensor.OpCont:
			require.Equal(t, 4, p.Nodes[i].NTasks, "op %s", n.Op)
		case tensor.OpNone, tensor.OpTranspose:
			require.Equal(t, 1, p.Nodes[i].NTasks, "op %s", n.Op)
		}
	}
}

func TestScratchOffsetsDisjoint(t *testing.T) {
	backend := newBackend(t, 2)
	ctx := backend.NewContext("scratch")
	a, b := s1Inputs(t, ctx)
	mm1 := ctx.MulMat(a, b)
	sm := ctx.Softmax(mm1)

	g := graph.BuildForward(sm)
	p := scheduler.Build(g, 2)

	type span struct{ off, end int }
	var spans []span
	for _, np := range p.Nodes {
		if np.ScratchLen == 0 {
			continue
		}
		spans = append(spans, span{np.ScratchOff, np.ScratchOff + np.ScratchLen})
	}
	require.NotEmpty(t, spans)
	for i := 0; i < len(spans); i++ {
		for j := i + 1; j < len(spans); j++ {
			disjoint := spans[i].end <= spans[j].off || spans[j].end <= spans[i].off
			require.True(t, disjoint, "scratch spans %d and %d overlap", i, j)
		}
	}
	require.LessOrEqual(t, spans[len(spans)-1].end, p.WorkSize)
}

func TestAbortBetweenNodes(t *testing.T) {
	backend := newBackend(t, 2)
	ctx := backend.NewContext("abort")
	x := ctx.FromFloats(make([]float32, 64), 64)
	out := ctx.Sqr(ctx.Sqr(x))

	_, res, err := backend.Forward([]*tensor.Tensor{out}, func() bool { return true })
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusAborted, res.Status)
	require.Equal(t, "ABORTED", res.Status.String())
}

func TestMulMatRequantisesRHS(t *testing.T) {
	// A quantised lhs against an F32 rhs exercises the INIT-phase
	// requantisation into the scratch buffer.
	backend := newBackend(t, 4)
	ctx := backend.NewContext("requant")

	const k, m, n = 64, 8, 4
	aVals := make([]float32, k*m)
	for i := range aVals {
		aVals[i] = float32(math.Sin(float64(i) * 0.3))
	}
	a := ctx.NewTensor(dtype.Q4_0, k, m)
	fillQuantized(t, a, aVals)

	bVals := make([]float32, k*n)
	for i := range bVals {
		bVals[i] = float32(math.Cos(float64(i) * 0.2))
	}
	b := ctx.FromFloats(bVals, k, n)

	out := ctx.MulMat(a, b)
	_, res, err := backend.Forward([]*tensor.Tensor{out}, nil)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusOK, res.Status)
	require.Greater(t, res.Plan.WorkSize, 0)

	// Reference: dequantise a, requantise b to Q8_0 (what INIT does),
	// dequantise that, and contract in float64.
	da := make([]float32, k*m)
	codecA, _ := quant.Codec(dtype.Q4_0)
	codecA.ToFloat(a.Bytes(), da)
	enc := make([]byte, dtype.Q8_0.RowSize(k*n))
	codecB, _ := quant.Codec(dtype.Q8_0)
	codecB.FromFloat(bVals, enc)
	db := make([]float32, k*n)
	codecB.ToFloat(enc, db)

	got := scheduler.ToDense(out)
	for col := 0; col < n; col++ {
		for row := 0; row < m; row++ {
			var want float64
			for kk := 0; kk < k; kk++ {
				want += float64(da[row*k+kk]) * float64(db[col*k+kk])
			}
			require.InDelta(t, want, float64(got[col*m+row]), 5e-3)
		}
	}
}

func TestComputeRejectsSmallScratch(t *testing.T) {
	backend := newBackend(t, 2)
	ctx := backend.NewContext("small")

	a := ctx.NewTensor(dtype.Q4_0, 64, 8)
	fillQuantized(t, a, make([]float32, 64*8))
	b := ctx.FromFloats(make([]float32, 64*4), 64, 4)
	out := ctx.MulMat(a, b)

	g := graph.BuildForward(out)
	p := scheduler.Build(g, 2)
	require.Greater(t, p.WorkSize, 0)

	status, err := scheduler.Compute(g, p, make([]byte, p.WorkSize-1), nil)
	require.Error(t, err)
	require.Equal(t, scheduler.StatusFailed, status)
}
