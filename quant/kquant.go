// kquant.go - K-Quant Superblock-Codecs (Q2_K..Q8_K)
//
// The engine treats K-quants as opaque blobs outside their registered
// codec (no cross-tool bit-level contract is required for this family,
// unlike Q4_0..Q8_1). Q6_K below follows the widely used ggml layout
// bit-for-bit; the remaining members (Q2_K, Q3_K, Q4_K, Q5_K, Q8_K) share
// one generic hierarchical scheme: a 256-element superblock split into 8
// sub-blocks of 32, each sub-block has its own int8 scale relative to one
// fp16 superblock scale, and values are packed at the format's native bit
// width.
package quant

import (
	"encoding/binary"

	"github.com/ggcore/ggcore/dtype"
	"github.com/ggcore/ggcore/fp16"
)

const kBlockSize = 256

// DequantizeQ6_K decodes a run of Q6_K superblocks (210 bytes each).
func DequantizeQ6_K(data []byte, out []float32) {
	const stride = 210
	n := len(out) / kBlockSize
	for i := 0; i < n; i++ {
		blockOff := i * stride
		ql := data[blockOff:]
		qh := data[blockOff+128:]
		scales := data[blockOff+192:]
		d := fp16.ToFloat32(binary.LittleEndian.Uint16(data[blockOff+208 : blockOff+210]))

		outOff := i * kBlockSize
		for n128 := 0; n128 < 2; n128++ {
			qlP := ql[n128*64:]
			qhP := qh[n128*32:]
			scP := scales[n128*8:]
			yOff := outOff + n128*128

			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int(qlP[l]&0x0F) | (int(qhP[l]>>0)&3)<<4
				q2 := int(qlP[l+32]&0x0F) | (int(qhP[l]>>2)&3)<<4
				q3 := int(qlP[l]>>4) | (int(qhP[l]>>4)&3)<<4
				q4 := int(qlP[l+32]>>4) | (int(qhP[l]>>6)&3)<<4

				out[yOff+l+0] = d * float32(int8(scP[is+0])) * float32(q1-32)
				out[yOff+l+32] = d * float32(int8(scP[is+2])) * float32(q2-32)
				out[yOff+l+64] = d * float32(int8(scP[is+4])) * float32(q3-32)
				out[yOff+l+96] = d * float32(int8(scP[is+6])) * float32(q4-32)
			}
		}
	}
}

// QuantizeQ6_K encodes x (a multiple of 256 long) into Q6_K superblocks.
// This is a reference (non-bit-exact-to-ggml) quantiser: the superblock
// scale spans the global extremum and every sub-block scale is 1,
// matching the layout DequantizeQ6_K expects.
func QuantizeQ6_K(x []float32, out []byte) {
	const stride = 210
	n := len(x) / kBlockSize
	for i := 0; i < n; i++ {
		row := x[i*kBlockSize : (i+1)*kBlockSize]
		amax := float32(0)
		for _, v := range row {
			if a := absf32(v); a > amax {
				amax = a
			}
		}
		// Unit sub-block scales: decode is d * 1 * (q - 32) with q in
		// [-32, 31], so d spans the extremum over 31 steps.
		d := amax / 31
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}

		blockOff := i * stride
		ql := out[blockOff : blockOff+128]
		qh := out[blockOff+128 : blockOff+192]
		scales := out[blockOff+192 : blockOff+208]
		for s := range scales {
			scales[s] = byte(int8(1))
		}
		for h := range qh {
			qh[h] = 0
		}

		for n128 := 0; n128 < 2; n128++ {
			qlP := ql[n128*64:]
			qhP := qh[n128*32:]
			base := n128 * 128
			for l := 0; l < 32; l++ {
				q1 := clamp(roundf32(row[base+l]*id), -32, 31) + 32
				q2 := clamp(roundf32(row[base+l+32]*id), -32, 31) + 32
				q3 := clamp(roundf32(row[base+l+64]*id), -32, 31) + 32
				q4 := clamp(roundf32(row[base+l+96]*id), -32, 31) + 32

				qlP[l] = byte(q1&0x0F) | byte(q3&0x0F)<<4
				qlP[l+32] = byte(q2&0x0F) | byte(q4&0x0F)<<4
				qhP[l] |= byte((q1>>4)&3) << 0
				qhP[l] |= byte((q2>>4)&3) << 2
				qhP[l] |= byte((q3>>4)&3) << 4
				qhP[l] |= byte((q4>>4)&3) << 6
			}
		}
		binary.LittleEndian.PutUint16(out[blockOff+208:blockOff+210], fp16.FromFloat32(d))
	}
}

// kBits returns the number of bits used to encode one element for a
// generic-scheme K-quant dtype.
func kBits(dt dtype.DType) int {
	switch dt {
	case dtype.Q2_K:
		return 2
	case dtype.Q3_K:
		return 3
	case dtype.Q4_K:
		return 4
	case dtype.Q5_K:
		return 5
	case dtype.Q8_K:
		return 8
	default:
		return 0
	}
}

// Generic-scheme sub-block geometry: 8 scales of 32 elements each, sized
// so the layout fits every member's TypeSize (Q3_K is the tightest).
const gkScales = 8
const gkSubLen = kBlockSize / gkScales // 32

// genericKLayout returns the byte offsets, within one superblock, of the
// 8 int8 sub-block scales, the packed element codes and the fp16
// superblock scale. The block stride is exactly dt.TypeSize(); bytes past
// the fp16 scale are padding.
func genericKLayout(dt dtype.DType) (dOff, scalesOff, codesOff, stride int) {
	bits := kBits(dt)
	codesLen := kBlockSize * bits / 8
	scalesOff = 0
	codesOff = gkScales
	dOff = codesOff + codesLen
	stride = dt.TypeSize()
	return
}

// DequantizeGenericK decodes a generic-scheme K-quant run (Q2_K, Q3_K,
// Q4_K, Q5_K, Q8_K) into out.
func DequantizeGenericK(dt dtype.DType, data []byte, out []float32) {
	dOff, scalesOff, codesOff, stride := genericKLayout(dt)
	bits := kBits(dt)
	half := int32(1) << uint(bits-1)
	n := len(out) / kBlockSize
	for i := 0; i < n; i++ {
		blk := data[i*stride : (i+1)*stride]
		d := fp16.ToFloat32(binary.LittleEndian.Uint16(blk[dOff : dOff+2]))
		scales := blk[scalesOff : scalesOff+gkScales]
		o := out[i*kBlockSize:]

		br := newBitReader(blk[codesOff:dOff])
		for sb := 0; sb < gkScales; sb++ {
			s := d * float32(int8(scales[sb]))
			for l := 0; l < gkSubLen; l++ {
				code := br.read(bits)
				o[sb*gkSubLen+l] = s * float32(int32(code)-half)
			}
		}
	}
}

// QuantizeGenericK encodes x into a generic-scheme K-quant run.
func QuantizeGenericK(dt dtype.DType, x []float32, out []byte) {
	dOff, scalesOff, codesOff, stride := genericKLayout(dt)
	bits := kBits(dt)
	maxCode := int32(1)<<uint(bits) - 1
	half := int32(1) << uint(bits-1)
	n := len(x) / kBlockSize
	for i := 0; i < n; i++ {
		row := x[i*kBlockSize : (i+1)*kBlockSize]
		amax := float32(0)
		for _, v := range row {
			if a := absf32(v); a > amax {
				amax = a
			}
		}
		// Unit sub-block scales: decode is d * 1 * (code - half), so d
		// spans the extremum over half-1 steps.
		d := amax
		if half > 1 {
			d = amax / float32(half-1)
		}
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}

		blk := out[i*stride : (i+1)*stride]
		scales := blk[scalesOff : scalesOff+gkScales]
		codes := blk[codesOff:dOff]
		for c := range codes {
			codes[c] = 0
		}
		bw := newBitWriter(codes)
		for sb := 0; sb < gkScales; sb++ {
			scales[sb] = 1
			for l := 0; l < gkSubLen; l++ {
				v := row[sb*gkSubLen+l]
				code := int32(clamp(roundf32(v*id)+int(half), 0, int(maxCode)))
				bw.write(uint32(code), bits)
			}
		}
		binary.LittleEndian.PutUint16(blk[dOff:dOff+2], fp16.FromFloat32(d))
	}
}

type bitReader struct {
	buf []byte
	pos int // bit position
}

func newBitReader(buf []byte) *bitReader { return &bitReader{buf: buf} }

func (r *bitReader) read(bits int) uint32 {
	var v uint32
	for i := 0; i < bits; i++ {
		byteIdx := r.pos / 8
		bitIdx := uint(r.pos % 8)
		b := (r.buf[byteIdx] >> bitIdx) & 1
		v |= uint32(b) << uint(i)
		r.pos++
	}
	return v
}

type bitWriter struct {
	buf []byte
	pos int
}

func newBitWriter(buf []byte) *bitWriter { return &bitWriter{buf: buf} }

func (w *bitWriter) write(v uint32, bits int) {
	for i := 0; i < bits; i++ {
		byteIdx := w.pos / 8
		bitIdx := uint(w.pos % 8)
		if (v>>uint(i))&1 != 0 {
			w.buf[byteIdx] |= 1 << bitIdx
		}
		w.pos++
	}
}
