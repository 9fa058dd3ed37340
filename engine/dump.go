// dump.go - Menschenlesbare Tensor-Ausgabe fuer Debugging und die CLI
//
// Dump folgt der Struktur von teacher ml/dump.go (Options-Funktionen,
// Schwellenwert fuer Kurzform, rekursiver Klammer-Drucker), arbeitet aber
// immer ueber scheduler.ToDense statt ueber ein Copy-Op im Graphen, da
// dieser Context keinen laufenden Executor fuer eine Adhoc-Dump-Anfrage
// starten will.
package engine

import (
	"strconv"
	"strings"

	"github.com/ggcore/ggcore/dtype"
	"github.com/ggcore/ggcore/scheduler"
	"github.com/ggcore/ggcore/tensor"
)

// DumpOption configures Dump's output format.
type DumpOption func(*dumpOptions)

type dumpOptions struct {
	precision, threshold, edgeItems int
}

// DumpWithPrecision sets the number of decimal places printed for float
// tensors.
func DumpWithPrecision(n int) DumpOption { return func(o *dumpOptions) { o.precision = n } }

// DumpWithThreshold sets the element-count threshold below which the whole
// tensor prints; above it, only each dimension's edge items print.
func DumpWithThreshold(n int) DumpOption { return func(o *dumpOptions) { o.threshold = n } }

// DumpWithEdgeItems sets how many leading/trailing elements print per
// dimension once a dump exceeds its threshold.
func DumpWithEdgeItems(n int) DumpOption { return func(o *dumpOptions) { o.edgeItems = n } }

// Dump renders t's contents (densifying any quantised or strided storage
// first) as nested bracketed rows, innermost axis (Ne[0]) last.
func Dump(t *tensor.Tensor, opts ...DumpOption) string {
	o := dumpOptions{precision: 4, threshold: 1000, edgeItems: 3}
	for _, f := range opts {
		f(&o)
	}
	if t.NElements() <= o.threshold {
		o.edgeItems = t.NElements()
	}

	var fn func(int, []float32) string
	if t.DType == dtype.I32 {
		fn = func(_ int, v []float32) string { return strconv.FormatInt(int64(v[0]), 10) }
	} else {
		fn = func(_ int, v []float32) string { return strconv.FormatFloat(float64(v[0]), 'f', o.precision, 32) }
	}

	dense := scheduler.ToDense(t)
	dims := dimsOf(t)

	var sb strings.Builder
	writeDump(&sb, dense, dims, 0, o.edgeItems, fn)
	return sb.String()
}

// writeDump recursively prints dims[0] rows of flat starting at stride,
// each row consuming exactly the product of dims[1:] elements.

// dimsOf returns t's extents from outermost to innermost (reverse of Ne,
// which is innermost-first).
func dimsOf(t *tensor.Tensor) []int {
	dims := make([]int, 0, t.NDims)
	for d := t.NDims - 1; d >= 0; d-- {
		dims = append(dims, t.Ne[d])
	}
	if len(dims) == 0 {
		dims = []int{t.NElements()}
	}
	return dims
}

func writeDump(sb *strings.Builder, flat []float32, dims []int, stride, edgeItems int, fn func(int, []float32) string) {
	sb.WriteString("[")
	n := dims[0]
	inner := 1
	for _, d := range dims[1:] {
		inner *= d
	}
	for i := 0; i < n; i++ {
		if n > 2*edgeItems && i == edgeItems {
			sb.WriteString("..., ")
			skip := n - 2*edgeItems
			stride += skip * inner
			i += skip - 1
			continue
		}
		if len(dims) > 1 {
			writeDump(sb, flat, dims[1:], stride, edgeItems, fn)
			stride += inner
		} else {
			sb.WriteString(fn(stride, flat[stride:stride+1]))
			stride++
		}
		if i < n-1 {
			sb.WriteString(", ")
		}
	}
	sb.WriteString("]")
}
