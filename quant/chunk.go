// chunk.go - Bulk-Quantisierung mit Histogramm-Seitenkanal
package quant

import (
	"github.com/pkg/errors"

	"github.com/ggcore/ggcore/dtype"
)

// HistogramBuckets is the length of the quant-code histogram QuantizeChunk
// fills: formats wider than 4 bits fold their code space down to 16
// buckets so callers can use one fixed-size array for every format.
const HistogramBuckets = 1 << 4

// QuantizeChunk encodes n elements of src starting at element index start
// into dst (at the corresponding block offset) using dt's registered
// codec, and accumulates the distribution of emitted quant codes into
// hist. start and n must be multiples of dt's block size. Returns the
// number of payload bytes written.
func QuantizeChunk(dt dtype.DType, src []float32, dst []byte, start, n int, hist []int64) (int, error) {
	codec, ok := Codec(dt)
	if !ok {
		return 0, errors.Errorf("quant: dtype %s has no quantisation codec", dt)
	}
	bs := dt.BlockSize()
	if start%bs != 0 || n%bs != 0 {
		return 0, errors.Errorf("quant: chunk [%d, %d) not aligned to %s block size %d", start, start+n, dt, bs)
	}

	blockOff := start / bs * dt.TypeSize()
	nBytes := n / bs * dt.TypeSize()
	out := dst[blockOff : blockOff+nBytes]
	codec.FromFloat(src[start:start+n], out)

	if len(hist) >= HistogramBuckets {
		histogramCodes(dt, out, hist)
	}
	return nBytes, nil
}

// histogramCodes re-reads the packed codes of the freshly written blocks
// and buckets them. The 4- and 5-bit formats count both nibbles of each
// packed byte, so a 5-bit code lands in the bucket of its low 4 bits (the
// high bits in qh are not read); the 8-bit formats and the K-quants count
// the top 4 bits of each stored byte.
func histogramCodes(dt dtype.DType, blocks []byte, hist []int64) {
	stride := dt.TypeSize()
	n := len(blocks) / stride
	for b := 0; b < n; b++ {
		blk := blocks[b*stride : (b+1)*stride]
		switch dt {
		case dtype.Q4_0:
			for _, v := range blk[2:18] {
				hist[v&0x0F]++
				hist[v>>4]++
			}
		case dtype.Q4_1:
			for _, v := range blk[4:20] {
				hist[v&0x0F]++
				hist[v>>4]++
			}
		case dtype.Q5_0:
			for _, v := range blk[6:22] {
				hist[v&0x0F]++
				hist[v>>4]++
			}
		case dtype.Q5_1:
			for _, v := range blk[8:24] {
				hist[v&0x0F]++
				hist[v>>4]++
			}
		case dtype.Q8_0:
			for _, v := range blk[2:34] {
				hist[v>>4]++
			}
		case dtype.Q8_1:
			for _, v := range blk[8:40] {
				hist[v>>4]++
			}
		default:
			// K-quants pack codes across sub-block boundaries; their
			// histogram is over raw payload bytes folded to 4 bits.
			for _, v := range blk {
				hist[v>>4]++
			}
		}
	}
}
