// kernels.go - Pro-Op INIT/COMPUTE/FINALIZE Kernel-Tabelle
//
// Jede Operation wird als NodeKernel-Capability ausgedrueckt (spec §9's
// sprachneutrale Rendering-Empfehlung: "a NodeKernel capability with init,
// compute(worker_index, worker_count), finalize methods, any of which may
// be null" statt eines C-Funktionszeiger-Switches). compute() partitioniert
// die Ausgabe zeilenweise ueber die Worker; Views (OpNone mit ViewSrc
// gesetzt, sowie Reshape/Permute/Transpose) brauchen keine Arbeit, weil
// ihre Bytes() bereits auf den Basistensor zeigt.
package scheduler

import (
	"math"

	"encoding/binary"

	"github.com/chewxy/math32"

	"github.com/ggcore/ggcore/fp16"
	"github.com/ggcore/ggcore/quant"
	"github.com/ggcore/ggcore/tensor"
)

// NodeKernel is the compute capability registered for one tensor.Op. Init
// and Finalize may be nil; Compute must not be (a node always does
// *something*, even if it is "nothing" for pure views).
type NodeKernel struct {
	Init     func(node *tensor.Tensor, scratch []byte)
	Compute  func(node *tensor.Tensor, workerIdx, workerCount int, scratch []byte)
	Finalize func(node *tensor.Tensor, scratch []byte)
}

var kernelTable map[tensor.Op]NodeKernel

func init() {
	kernelTable = map[tensor.Op]NodeKernel{
		tensor.OpNone:         {Compute: noop},
		tensor.OpReshape:      {Compute: noop},
		tensor.OpView:         {Compute: noop},
		tensor.OpPermute:      {Compute: noop},
		tensor.OpTranspose:    {Compute: noop},
		tensor.OpDup:          {Compute: computeCopy},
		tensor.OpCont:         {Compute: computeCopy},
		tensor.OpCpy:          {Compute: computeCopy},
		tensor.OpAdd:          {Compute: computeBinary(func(a, b float32) float32 { return a + b })},
		tensor.OpSub:          {Compute: computeBinary(func(a, b float32) float32 { return a - b })},
		tensor.OpMul:          {Compute: computeBinary(func(a, b float32) float32 { return a * b })},
		tensor.OpDiv:          {Compute: computeBinary(func(a, b float32) float32 { return a / b })},
		tensor.OpSqr:          {Compute: computeUnary(func(v float32) float32 { return v * v })},
		tensor.OpSqrt:         {Compute: computeUnary(math32.Sqrt)},
		tensor.OpSilu:         {Compute: computeUnary(fp16.Silu)},
		tensor.OpGelu:         {Compute: computeUnary(fp16.Gelu)},
		tensor.OpGeluQuick:    {Compute: computeUnary(fp16.GeluQuick)},
		tensor.OpRelu:         {Compute: computeUnary(func(v float32) float32 { return math32.Max(0, v) })},
		tensor.OpScale:        {Compute: computeScale},
		tensor.OpSum:          {Compute: computeSum},
		tensor.OpMean:         {Compute: computeMean},
		tensor.OpRepeat:       {Compute: computeRepeat},
		tensor.OpConcat:       {Compute: computeConcat},
		tensor.OpSoftmax:      {Compute: computeSoftmax},
		tensor.OpNorm:         {Compute: computeNorm(false)},
		tensor.OpRMSNorm:      {Compute: computeNorm(true)},
		tensor.OpGetRows:      {Compute: computeGetRows},
		tensor.OpDiagMaskInf:  {Compute: computeDiagMaskInf},
		tensor.OpSet:          {Compute: computeSet},
		tensor.OpMulMat:       {Init: initMulMat, Compute: computeMulMat},
		tensor.OpRope:         {Compute: computeRope},
		tensor.OpConv1D:       {Init: initConv1D, Compute: computeConv1D},
		tensor.OpConv2D:       {Init: initConv1D, Compute: computeConv1D},
		tensor.OpPool2D:       {Compute: computePool2D},
		tensor.OpFlashAttn:    {Compute: computeFlashAttn},
		tensor.OpClamp:        {Compute: computeClamp},
		tensor.OpAlibi:        {Compute: computeAlibi},
		tensor.OpUpscale:      {Compute: computeUpscale},
		tensor.OpWinPart:      {Compute: computeWinPart},
		tensor.OpWinUnpart:    {Compute: computeWinUnpart},
		tensor.OpCrossEntropy: {Init: initCrossEntropy, Compute: computeCrossEntropy, Finalize: finalizeCrossEntropy},
	}
}

// Kernel looks up the registered kernel for op. The ok result is false for
// an op with no registered kernel, a build/plan-time programmer error per
// spec §7 (the executor panics rather than silently skipping the node).
func Kernel(op tensor.Op) (NodeKernel, bool) {
	k, ok := kernelTable[op]
	return k, ok
}

func noop(*tensor.Tensor, int, int, []byte) {}

// rowRange splits `total` rows across workerCount workers, giving worker
// workerIdx a contiguous chunk (spec §4.5: "partition the output space by
// rows... disjoint output regions").
func rowRange(total, workerIdx, workerCount int) (start, end int) {
	if workerCount < 1 {
		workerCount = 1
	}
	chunk := (total + workerCount - 1) / workerCount
	start = workerIdx * chunk
	end = start + chunk
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	return
}

func outerRows(ne [tensor.MaxDims]int) int {
	return ne[1] * ne[2] * ne[3]
}

func unflattenOuter(row int, ne [tensor.MaxDims]int) (i1, i2, i3 int) {
	i1 = row % ne[1]
	row /= ne[1]
	i2 = row % ne[2]
	i3 = row / ne[2]
	return
}

func scaleFactor(node *tensor.Tensor) float32 {
	return math.Float32frombits(uint32(node.OpParams[0]))
}

// computeCopy implements dup/cont/cpy: materialise node's logical contents
// (read via the generic strided accessor, so a non-contiguous source such
// as a permuted view is handled correctly) into node's own contiguous
// storage.
func computeCopy(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	src := node.Src[0]
	rows := outerRows(node.Ne)
	start, end := rowRange(rows, workerIdx, workerCount)
	var si, di [tensor.MaxDims]int
	for row := start; row < end; row++ {
		i1, i2, i3 := unflattenOuter(row, node.Ne)
		si[1], si[2], si[3] = i1, i2, i3
		di[1], di[2], di[3] = i1, i2, i3
		for i0 := 0; i0 < node.Ne[0]; i0++ {
			si[0], di[0] = i0, i0
			setF32(node, di, getF32(src, si))
		}
	}
}

func computeBinary(fn func(a, b float32) float32) func(*tensor.Tensor, int, int, []byte) {
	return func(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
		a, b := node.Src[0], node.Src[1]
		af := ToDense(a)
		bf := ToDense(b)
		rows := outerRows(node.Ne)
		start, end := rowRange(rows, workerIdx, workerCount)
		var di [tensor.MaxDims]int
		for row := start; row < end; row++ {
			i1, i2, i3 := unflattenOuter(row, node.Ne)
			di[1], di[2], di[3] = i1, i2, i3
			for i0 := 0; i0 < node.Ne[0]; i0++ {
				di[0] = i0
				dstIdx := [tensor.MaxDims]int{i0, i1, i2, i3}
				aIdx := broadcastIndex(dstIdx, a.Ne)
				bIdx := broadcastIndex(dstIdx, b.Ne)
				av := af[flatIndex(aIdx, a.Ne)]
				bv := bf[flatIndex(bIdx, b.Ne)]
				setF32(node, di, fn(av, bv))
			}
		}
	}
}

func flatIndex(i, ne [tensor.MaxDims]int) int {
	return ((i[3]*ne[2]+i[2])*ne[1]+i[1])*ne[0] + i[0]
}

func computeUnary(fn func(float32) float32) func(*tensor.Tensor, int, int, []byte) {
	return func(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
		src := node.Src[0]
		rows := outerRows(node.Ne)
		start, end := rowRange(rows, workerIdx, workerCount)
		var si, di [tensor.MaxDims]int
		for row := start; row < end; row++ {
			i1, i2, i3 := unflattenOuter(row, node.Ne)
			si[1], si[2], si[3] = i1, i2, i3
			di[1], di[2], di[3] = i1, i2, i3
			for i0 := 0; i0 < node.Ne[0]; i0++ {
				si[0], di[0] = i0, i0
				setF32(node, di, fn(getF32(src, si)))
			}
		}
	}
}

func computeScale(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	f := scaleFactor(node)
	computeUnary(func(v float32) float32 { return v * f })(node, workerIdx, workerCount, nil)
}

// computeSum and computeMean reduce the whole tensor to a single scalar;
// the reduction is inherently sequential so only worker 0 does the work
// (spec §4.5 still syncs every worker through the node's barrier).
func computeSum(node *tensor.Tensor, workerIdx, _ int, _ []byte) {
	if workerIdx != 0 {
		return
	}
	src := node.Src[0]
	var sum float64
	for _, v := range ToDense(src) {
		sum += float64(v)
	}
	setF32(node, [tensor.MaxDims]int{}, float32(sum))
}

func computeMean(node *tensor.Tensor, workerIdx, _ int, _ []byte) {
	if workerIdx != 0 {
		return
	}
	src := node.Src[0]
	vals := ToDense(src)
	var sum float64
	for _, v := range vals {
		sum += float64(v)
	}
	if len(vals) > 0 {
		sum /= float64(len(vals))
	}
	setF32(node, [tensor.MaxDims]int{}, float32(sum))
}

func computeRepeat(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	src := node.Src[0]
	rows := outerRows(node.Ne)
	start, end := rowRange(rows, workerIdx, workerCount)
	var di [tensor.MaxDims]int
	for row := start; row < end; row++ {
		i1, i2, i3 := unflattenOuter(row, node.Ne)
		di[1], di[2], di[3] = i1, i2, i3
		si := broadcastIndex(di, src.Ne)
		for i0 := 0; i0 < node.Ne[0]; i0++ {
			di[0] = i0
			s := si
			s[0] = i0 % src.Ne[0]
			setF32(node, di, getF32(src, s))
		}
	}
}

// computeConcat joins Src[0] and Src[1] along the axis named in OpParams[0].
// Only axis 0 (the common "concat along hidden dim" case) is row-sharded
// across workers; the rarer higher-axis concatenations run on worker 0
// alone rather than adding three more bespoke partitioning schemes.
func computeConcat(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	axis := int(node.OpParams[0])
	a, b := node.Src[0], node.Src[1]
	if workerIdx != 0 && axis != 0 {
		return
	}
	var di [tensor.MaxDims]int
	total := outerRows(node.Ne)
	start, end := 0, total
	if axis == 0 {
		start, end = rowRange(total, workerIdx, workerCount)
	}
	for row := start; row < end; row++ {
		i1, i2, i3 := unflattenOuter(row, node.Ne)
		di[1], di[2], di[3] = i1, i2, i3
		idx := [tensor.MaxDims]int{0, i1, i2, i3}
		boundary := a.Ne[axis]
		for i0 := 0; i0 < node.Ne[0]; i0++ {
			di[0] = i0
			idx[0] = i0
			srcIdx := idx
			if idx[axis] < boundary {
				setF32(node, di, getF32(a, srcIdx))
			} else {
				srcIdx[axis] -= boundary
				setF32(node, di, getF32(b, srcIdx))
			}
		}
	}
}

// computeSoftmax applies a numerically stable softmax along axis 0, one
// row per worker task.
func computeSoftmax(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	src := node.Src[0]
	rows := outerRows(node.Ne)
	start, end := rowRange(rows, workerIdx, workerCount)
	row := make([]float32, node.Ne[0])
	var si, di [tensor.MaxDims]int
	for r := start; r < end; r++ {
		i1, i2, i3 := unflattenOuter(r, node.Ne)
		si[1], si[2], si[3] = i1, i2, i3
		di[1], di[2], di[3] = i1, i2, i3
		maxV := float32(math.Inf(-1))
		for i0 := 0; i0 < node.Ne[0]; i0++ {
			si[0] = i0
			v := getF32(src, si)
			row[i0] = v
			if v > maxV {
				maxV = v
			}
		}
		var sum float32
		for i0, v := range row {
			e := math32.Exp(v - maxV)
			row[i0] = e
			sum += e
		}
		for i0 := 0; i0 < node.Ne[0]; i0++ {
			di[0] = i0
			setF32(node, di, row[i0]/sum)
		}
	}
}

// computeNorm implements layer norm (rmsOnly=false) and RMSNorm
// (rmsOnly=true) along axis 0, per spec §8 S2.
func computeNorm(rmsOnly bool) func(*tensor.Tensor, int, int, []byte) {
	return func(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
		src := node.Src[0]
		eps := math.Float32frombits(uint32(node.OpParams[0]))
		rows := outerRows(node.Ne)
		start, end := rowRange(rows, workerIdx, workerCount)
		var si, di [tensor.MaxDims]int
		n := node.Ne[0]
		for r := start; r < end; r++ {
			i1, i2, i3 := unflattenOuter(r, node.Ne)
			si[1], si[2], si[3] = i1, i2, i3
			di[1], di[2], di[3] = i1, i2, i3

			var mean, sqMean float64
			for i0 := 0; i0 < n; i0++ {
				si[0] = i0
				v := float64(getF32(src, si))
				mean += v
				sqMean += v * v
			}
			mean /= float64(n)
			sqMean /= float64(n)

			var denom float32
			if rmsOnly {
				denom = math32.Sqrt(float32(sqMean) + eps)
			} else {
				variance := sqMean - mean*mean
				denom = math32.Sqrt(float32(variance) + eps)
			}
			for i0 := 0; i0 < n; i0++ {
				si[0], di[0] = i0, i0
				v := getF32(src, si)
				if rmsOnly {
					setF32(node, di, v/denom)
				} else {
					setF32(node, di, (v-float32(mean))/denom)
				}
			}
		}
	}
}

// computeGetRows gathers rows of Src[0] at the indices held (as I32) in
// Src[1], one destination row per worker task.
func computeGetRows(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	src, idxT := node.Src[0], node.Src[1]
	idx := ToDense(idxT)
	rows := len(idx)
	start, end := rowRange(rows, workerIdx, workerCount)
	var si, di [tensor.MaxDims]int
	for r := start; r < end; r++ {
		row := int(idx[r])
		si[1] = row
		di[1] = r
		for i0 := 0; i0 < node.Ne[0]; i0++ {
			si[0], di[0] = i0, i0
			setF32(node, di, getF32(src, si))
		}
	}
}

// computeDiagMaskInf masks the upper triangle (columns beyond row index +
// n_past, stored in OpParams[0]) of each ne[1] x ne[0] matrix with -Inf,
// used ahead of causal softmax.
func computeDiagMaskInf(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	src := node.Src[0]
	nPast := int(node.OpParams[0])
	rows := outerRows(node.Ne)
	start, end := rowRange(rows, workerIdx, workerCount)
	var si, di [tensor.MaxDims]int
	for r := start; r < end; r++ {
		i1, i2, i3 := unflattenOuter(r, node.Ne)
		si[1], si[2], si[3] = i1, i2, i3
		di[1], di[2], di[3] = i1, i2, i3
		for i0 := 0; i0 < node.Ne[0]; i0++ {
			si[0], di[0] = i0, i0
			if i0 > nPast+i1 {
				setF32(node, di, float32(math.Inf(-1)))
			} else {
				setF32(node, di, getF32(src, si))
			}
		}
	}
}

// computeSet writes Src[1] into a copy of Src[0] at the element offset stored
// in OpParams[0], the non-view sibling of View used to build in-place
// parameter updates.
func computeSet(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	base, patch := node.Src[0], node.Src[1]
	rows := outerRows(node.Ne)
	start, end := rowRange(rows, workerIdx, workerCount)
	var bi, di [tensor.MaxDims]int
	for r := start; r < end; r++ {
		i1, i2, i3 := unflattenOuter(r, node.Ne)
		bi[1], bi[2], bi[3] = i1, i2, i3
		di[1], di[2], di[3] = i1, i2, i3
		for i0 := 0; i0 < node.Ne[0]; i0++ {
			bi[0], di[0] = i0, i0
			setF32(node, di, getF32(base, bi))
		}
	}
	if workerIdx != 0 {
		return
	}
	offElems := int(node.OpParams[0])
	pf := ToDense(patch)
	var pIdx [tensor.MaxDims]int
	for i, v := range pf {
		rem := offElems + i
		pIdx[0] = rem % node.Ne[0]
		rem /= node.Ne[0]
		pIdx[1] = rem % node.Ne[1]
		rem /= node.Ne[1]
		pIdx[2] = rem % node.Ne[2]
		pIdx[3] = rem / node.Ne[2]
		setF32(node, pIdx, v)
	}
}

// initMulMat requantises Src[1] row-wise into the shared scratch buffer
// when its dtype doesn't already match Src[0]'s codec vec_dot_type (spec
// §4.3 "Matrix multiply"). Pure-F32 matmuls need no INIT work.
func initMulMat(node *tensor.Tensor, scratch []byte) {
	a, b := node.Src[0], node.Src[1]
	codec, quantised := quant.Codec(a.DType)
	if !quantised || b.DType == codec.VecDotType {
		return
	}
	rhsCodec, ok := quant.Codec(codec.VecDotType)
	if !ok {
		return
	}
	bf := ToDense(b)
	rhsCodec.FromFloat(bf, scratch)
}

// computeMulMat computes dst[m,n,batch] = dot(A[:,m,batch_a], B[:,n,batch])
// for every output row n, partitioned across workers by the flattened
// (n, batch) index (spec §4.3).
func computeMulMat(node *tensor.Tensor, workerIdx, workerCount int, scratch []byte) {
	a, b := node.Src[0], node.Src[1]
	k := a.Ne[0]
	m, n := node.Ne[0], node.Ne[1]
	batches := node.Ne[2] * node.Ne[3]

	codec, quantised := quant.Codec(a.DType)
	rhs := b
	var rhsRowSize int
	if quantised && b.DType != codec.VecDotType {
		// rhs rows were requantised into scratch during INIT
		rhsRowSize = codec.VecDotType.RowSize(k)
	} else if quantised {
		// rhs rows are laid out in b's own (vec-dot) format
		rhsRowSize = b.DType.RowSize(k)
	}

	total := n * batches
	start, end := rowRange(total, workerIdx, workerCount)

	aRowSize := a.DType.RowSize(k)
	var aF, bF []float32
	if !quantised {
		aF = ToDense(a)
		bF = ToDense(b)
	}

	var di [tensor.MaxDims]int
	for idx := start; idx < end; idx++ {
		col := idx % n
		batch := idx / n
		i3 := batch / node.Ne[2]
		i2 := batch % node.Ne[2]
		ab2, ab3 := i2%a.Ne[2], i3%a.Ne[3]

		var bRow []byte
		if quantised && b.DType != codec.VecDotType {
			bRow = scratch[idx*rhsRowSize : (idx+1)*rhsRowSize]
		} else if quantised {
			rowOff := col*rhsRowSize + i2*rhs.Nb[2] + i3*rhs.Nb[3]
			bRow = rhs.Bytes()[rowOff : rowOff+rhsRowSize]
		}

		for row := 0; row < m; row++ {
			var dot float32
			if quantised {
				aOff := row*aRowSize + ab2*a.Nb[2] + ab3*a.Nb[3]
				aRow := a.Bytes()[aOff : aOff+aRowSize]
				dot = codec.VecDot(k, aRow, bRow)
			} else {
				var sum float32
				for kk := 0; kk < k; kk++ {
					sum += aF[flatIndex([tensor.MaxDims]int{kk, row, ab2, ab3}, a.Ne)] *
						bF[flatIndex([tensor.MaxDims]int{kk, col, i2, i3}, b.Ne)]
				}
				dot = sum
			}
			di = [tensor.MaxDims]int{row, col, i2, i3}
			setF32(node, di, dot)
		}
	}
}

// computeRope applies a basic rotary position embedding to each row,
// rotating element i0 together with element i0+ne0/2 along axis 0. The
// xPos and ChatGLM (mode 4) variants are not implemented, and rope has no
// backward rule.
func computeRope(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	src, posT := node.Src[0], node.Src[1]
	theta := math.Float32frombits(uint32(node.OpParams[0]))
	if theta == 0 {
		theta = 10000
	}
	positions := ToDense(posT)
	rows := outerRows(node.Ne)
	start, end := rowRange(rows, workerIdx, workerCount)
	var si, di [tensor.MaxDims]int
	half := node.Ne[0] / 2
	for r := start; r < end; r++ {
		i1, i2, i3 := unflattenOuter(r, node.Ne)
		si[1], si[2], si[3] = i1, i2, i3
		di[1], di[2], di[3] = i1, i2, i3
		pos := positions[i1%len(positions)]
		for i0 := 0; i0 < half; i0++ {
			freq := math32.Pow(theta, -2*float32(i0)/float32(node.Ne[0]))
			angle := pos * freq
			cosv, sinv := math32.Cos(angle), math32.Sin(angle)
			si[0], di[0] = i0, i0
			x0 := getF32(src, si)
			si[0] = i0 + half
			x1 := getF32(src, si)
			di[0] = i0
			setF32(node, di, x0*cosv-x1*sinv)
			di[0] = i0 + half
			setF32(node, di, x0*sinv+x1*cosv)
		}
	}
}

// initConv1D has nothing to precompute: computeConv1D reads directly from
// the densified source rather than building a separate im2col table, so
// the scratch region planned for it (spec §4.5's "convolution im2col
// buffers") stays reserved but unused by this op's own kernel. Conv2D
// runs the same pair of functions, convolving along axis 0 only, since
// op_params carries (stride, pad) uniformly for both.
func initConv1D(*tensor.Tensor, []byte) {}

func computeConv1D(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	src, kernel := node.Src[0], node.Src[1]
	stride := int(node.OpParams[0])
	if stride < 1 {
		stride = 1
	}
	pad := int(node.OpParams[1])

	srcF := ToDense(src)
	kF := ToDense(kernel)
	outLen, kLen, channels := node.Ne[0], kernel.Ne[0], kernel.Ne[1]
	start, end := rowRange(outLen, workerIdx, workerCount)
	for o := start; o < end; o++ {
		for ch := 0; ch < channels; ch++ {
			var sum float32
			for k := 0; k < kLen; k++ {
				inPos := o*stride + k - pad
				if inPos < 0 || inPos >= src.Ne[0] {
					continue
				}
				sum += srcF[inPos] * kF[flatIndex([tensor.MaxDims]int{k, ch, 0, 0}, kernel.Ne)]
			}
			setF32(node, [tensor.MaxDims]int{o, ch, 0, 0}, sum)
		}
	}
}

// computePool2D implements max/avg pooling (mode in OpParams[0]) over a
// window of k consecutive elements along axis 0 of each row, with the
// given stride; the other axes are not pooled.
func computePool2D(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	src := node.Src[0]
	mode := node.OpParams[0] // 0 = max, 1 = avg
	k := int(node.OpParams[1])
	stride := int(node.OpParams[2])
	if stride < 1 {
		stride = 1
	}
	rows := outerRows(node.Ne)
	start, end := rowRange(rows, workerIdx, workerCount)
	var si, di [tensor.MaxDims]int
	for r := start; r < end; r++ {
		i1, i2, i3 := unflattenOuter(r, node.Ne)
		di[1], di[2], di[3] = i1, i2, i3
		si[1], si[2], si[3] = i1, i2, i3
		for i0 := 0; i0 < node.Ne[0]; i0++ {
			var acc float32
			if mode == 0 {
				acc = float32(math.Inf(-1))
			}
			count := 0
			for ky := 0; ky < k; ky++ {
				py := i0*stride + ky
				if py >= src.Ne[0] {
					continue
				}
				si[0] = py
				v := getF32(src, si)
				count++
				if mode == 0 {
					if v > acc {
						acc = v
					}
				} else {
					acc += v
				}
			}
			if mode == 1 && count > 0 {
				acc /= float32(count)
			}
			di[0] = i0
			setF32(node, di, acc)
		}
	}
}

// computeFlashAttn implements the straightforward (non-fused) scaled
// dot-product attention: scores = softmax(QK^T / sqrt(d) + mask), out =
// scores @ V. One query row per worker task.
func computeFlashAttn(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	q, kk, v := node.Src[0], node.Src[1], node.Src[2]
	var mask *tensor.Tensor
	if len(node.Src) > 3 {
		mask = node.Src[3]
	}
	d := q.Ne[0]
	scale := 1 / math32.Sqrt(float32(d))

	qF, kF, vF := ToDense(q), ToDense(kk), ToDense(v)
	nq, nk := q.Ne[1], kk.Ne[1]
	start, end := rowRange(nq, workerIdx, workerCount)

	scores := make([]float32, nk)
	for qi := start; qi < end; qi++ {
		maxV := float32(math.Inf(-1))
		for ki := 0; ki < nk; ki++ {
			var dot float32
			for dd := 0; dd < d; dd++ {
				dot += qF[flatIndex([tensor.MaxDims]int{dd, qi, 0, 0}, q.Ne)] *
					kF[flatIndex([tensor.MaxDims]int{dd, ki, 0, 0}, kk.Ne)]
			}
			dot *= scale
			if mask != nil {
				dot += getF32(mask, [tensor.MaxDims]int{ki, qi, 0, 0})
			}
			scores[ki] = dot
			if dot > maxV {
				maxV = dot
			}
		}
		var sum float32
		for ki := range scores {
			e := math32.Exp(scores[ki] - maxV)
			scores[ki] = e
			sum += e
		}
		for dd := 0; dd < d; dd++ {
			var acc float32
			for ki := 0; ki < nk; ki++ {
				acc += scores[ki] / sum * vF[flatIndex([tensor.MaxDims]int{dd, ki, 0, 0}, v.Ne)]
			}
			setF32(node, [tensor.MaxDims]int{dd, qi, 0, 0}, acc)
		}
	}
}

// computeClamp limits every element to [min, max], the two f32 values in
// op_params. No backward rule is registered for this op.
func computeClamp(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	lo := math.Float32frombits(uint32(node.OpParams[0]))
	hi := math.Float32frombits(uint32(node.OpParams[1]))
	computeUnary(func(v float32) float32 {
		return math32.Min(math32.Max(v, lo), hi)
	})(node, workerIdx, workerCount, nil)
}

// alibiSlope returns the per-head bias slope: biasMax is distributed
// geometrically over the heads so head 0 decays fastest.
func alibiSlope(head, nHead int, biasMax float32) float32 {
	if nHead < 1 {
		nHead = 1
	}
	m0 := math32.Pow(2, -biasMax/float32(nHead))
	return math32.Pow(m0, float32(head+1))
}

// computeAlibi adds a linear position bias slope(head) * column to each
// attention score row, head index taken from axis 2.
func computeAlibi(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	src := node.Src[0]
	nPast := int(node.OpParams[0])
	nHead := int(node.OpParams[1])
	biasMax := math.Float32frombits(uint32(node.OpParams[2]))
	rows := outerRows(node.Ne)
	start, end := rowRange(rows, workerIdx, workerCount)
	var si, di [tensor.MaxDims]int
	for r := start; r < end; r++ {
		i1, i2, i3 := unflattenOuter(r, node.Ne)
		si[1], si[2], si[3] = i1, i2, i3
		di[1], di[2], di[3] = i1, i2, i3
		slope := alibiSlope(i2, nHead, biasMax)
		for i0 := 0; i0 < node.Ne[0]; i0++ {
			si[0], di[0] = i0, i0
			setF32(node, di, getF32(src, si)+slope*float32(nPast+i0))
		}
	}
}

// computeUpscale nearest-neighbour upsamples the first two axes by the
// integer factor in op_params.
func computeUpscale(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	src := node.Src[0]
	sf := int(node.OpParams[0])
	if sf < 1 {
		sf = 1
	}
	rows := outerRows(node.Ne)
	start, end := rowRange(rows, workerIdx, workerCount)
	var si, di [tensor.MaxDims]int
	for r := start; r < end; r++ {
		i1, i2, i3 := unflattenOuter(r, node.Ne)
		di[1], di[2], di[3] = i1, i2, i3
		si[1], si[2], si[3] = i1/sf, i2, i3
		for i0 := 0; i0 < node.Ne[0]; i0++ {
			di[0] = i0
			si[0] = i0 / sf
			setF32(node, di, getF32(src, si))
		}
	}
}

// computeWinPart partitions a [C, W, H, 1] tensor into non-overlapping
// w x w windows, zero-padding at the right/bottom edges: output shape
// [C, w, w, npx*npy] with op_params (npx, npy, w).
func computeWinPart(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	src := node.Src[0]
	npx := int(node.OpParams[0])
	w := int(node.OpParams[2])
	windows := node.Ne[3]
	start, end := rowRange(windows, workerIdx, workerCount)
	var si, di [tensor.MaxDims]int
	for wi := start; wi < end; wi++ {
		di[3] = wi
		baseX := (wi % npx) * w
		baseY := (wi / npx) * w
		for ly := 0; ly < w; ly++ {
			di[2] = ly
			gy := baseY + ly
			for lx := 0; lx < w; lx++ {
				di[1] = lx
				gx := baseX + lx
				for c := 0; c < node.Ne[0]; c++ {
					di[0] = c
					if gx >= src.Ne[1] || gy >= src.Ne[2] {
						setF32(node, di, 0)
						continue
					}
					si = [tensor.MaxDims]int{c, gx, gy, 0}
					setF32(node, di, getF32(src, si))
				}
			}
		}
	}
}

// computeWinUnpart reassembles win_part windows back into the original
// [C, W, H, 1] extent, discarding the zero padding.
func computeWinUnpart(node *tensor.Tensor, workerIdx, workerCount int, _ []byte) {
	src := node.Src[0]
	w := int(node.OpParams[0])
	npx := (node.Ne[1] + w - 1) / w
	rows := outerRows(node.Ne)
	start, end := rowRange(rows, workerIdx, workerCount)
	var si, di [tensor.MaxDims]int
	for r := start; r < end; r++ {
		i1, i2, i3 := unflattenOuter(r, node.Ne)
		di[1], di[2], di[3] = i1, i2, i3
		wi := (i2/w)*npx + i1/w
		si[1], si[2], si[3] = i1%w, i2%w, wi
		for c := 0; c < node.Ne[0]; c++ {
			di[0] = c
			si[0] = c
			setF32(node, di, getF32(src, si))
		}
	}
}

// ceSlot returns worker w's partial-sum slot inside the node scratch; one
// cache line per worker keeps the partials from false-sharing.
func ceSlot(scratch []byte, worker int) []byte {
	return scratch[worker*cacheLinePadding : worker*cacheLinePadding+8]
}

func initCrossEntropy(node *tensor.Tensor, scratch []byte) {
	for i := range scratch {
		scratch[i] = 0
	}
}

// computeCrossEntropy accumulates -sum(target * log softmax(logits)) over
// this worker's share of the rows into its private scratch slot; the
// FINALIZE phase reduces the slots.
func computeCrossEntropy(node *tensor.Tensor, workerIdx, workerCount int, scratch []byte) {
	logits, target := node.Src[0], node.Src[1]
	rows := outerRows(logits.Ne)
	start, end := rowRange(rows, workerIdx, workerCount)
	n := logits.Ne[0]
	row := make([]float32, n)
	var si [tensor.MaxDims]int
	var partial float64
	for r := start; r < end; r++ {
		i1, i2, i3 := unflattenOuter(r, logits.Ne)
		si[1], si[2], si[3] = i1, i2, i3
		maxV := float32(math.Inf(-1))
		for i0 := 0; i0 < n; i0++ {
			si[0] = i0
			v := getF32(logits, si)
			row[i0] = v
			if v > maxV {
				maxV = v
			}
		}
		var sum float64
		for i0, v := range row {
			e := float64(math32.Exp(v - maxV))
			row[i0] = float32(e)
			sum += e
		}
		logSum := math.Log(sum)
		for i0 := 0; i0 < n; i0++ {
			si[0] = i0
			t := float64(getF32(target, si))
			if t == 0 {
				continue
			}
			logP := float64(row[i0])
			partial -= t * (math.Log(logP) - logSum)
		}
	}
	binary.LittleEndian.PutUint64(ceSlot(scratch, workerIdx), math.Float64bits(partial))
}

// finalizeCrossEntropy reduces the per-worker partials and stores the
// row-averaged loss into the scalar output.
func finalizeCrossEntropy(node *tensor.Tensor, scratch []byte) {
	var total float64
	for w := 0; w*cacheLinePadding+8 <= len(scratch); w++ {
		total += math.Float64frombits(binary.LittleEndian.Uint64(ceSlot(scratch, w)))
	}
	rows := outerRows(node.Src[0].Ne)
	if rows > 0 {
		total /= float64(rows)
	}
	setF32(node, [tensor.MaxDims]int{}, float32(total))
}
