// blocks.go - Q4_0/Q4_1/Q5_0/Q5_1/Q8_0/Q8_1 Block-Quantisierung
//
// Layout je Block (block_size 32 Elemente):
//
//	Q4_0: [d fp16][16 x 4-bit packed]                    = 18 bytes
//	Q4_1: [d fp16][m fp16][16 x 4-bit packed]             = 20 bytes
//	Q5_0: [d fp16][qh u32][16 x 4-bit packed]             = 22 bytes
//	Q5_1: [d fp16][m fp16][qh u32][16 x 4-bit packed]     = 24 bytes
//	Q8_0: [d fp16][32 x int8]                             = 34 bytes
//	Q8_1: [d f32][s f32][32 x int8]                       = 40 bytes
//
// Q4/Q5 pack two elements per byte: the low nibble holds element j, the
// high nibble holds element j+16 (not j+1) — the "split halves" layout
// used throughout the reference quantiser.
package quant

import (
	"encoding/binary"
	"math"

	"github.com/ggcore/ggcore/dtype"
	"github.com/ggcore/ggcore/fp16"
)

const blockSize32 = 32

// DequantizeQ4_0 decodes a run of Q4_0 blocks into out (len(out) elements).
func DequantizeQ4_0(data []byte, out []float32) {
	const stride = 18
	n := len(out) / blockSize32
	for b := 0; b < n; b++ {
		blk := data[b*stride : b*stride+stride]
		d := fp16.ToFloat32(binary.LittleEndian.Uint16(blk[0:2]))
		o := out[b*blockSize32:]
		for j := 0; j < 16; j++ {
			v := blk[2+j]
			o[j] = float32(int(v&0x0F)-8) * d
			o[j+16] = float32(int(v>>4)-8) * d
		}
	}
}

// QuantizeQ4_0 encodes x (a multiple of 32 long) into Q4_0 blocks.
func QuantizeQ4_0(x []float32, out []byte) {
	const stride = 18
	n := len(x) / blockSize32
	for b := 0; b < n; b++ {
		row := x[b*blockSize32 : b*blockSize32+blockSize32]
		amax, max := float32(0), float32(0)
		for _, v := range row {
			if a := absf32(v); a > amax {
				amax, max = a, v
			}
		}
		d := max / -8
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		blk := out[b*stride : b*stride+stride]
		binary.LittleEndian.PutUint16(blk[0:2], fp16.FromFloat32(d))
		for j := 0; j < 16; j++ {
			v0 := clampQ4(roundf32(row[j] * id))
			v1 := clampQ4(roundf32(row[j+16] * id))
			blk[2+j] = byte(v0) | byte(v1)<<4
		}
	}
}

// DequantizeQ4_1 decodes a run of Q4_1 blocks (affine: min + q*d).
func DequantizeQ4_1(data []byte, out []float32) {
	const stride = 20
	n := len(out) / blockSize32
	for b := 0; b < n; b++ {
		blk := data[b*stride : b*stride+stride]
		d := fp16.ToFloat32(binary.LittleEndian.Uint16(blk[0:2]))
		m := fp16.ToFloat32(binary.LittleEndian.Uint16(blk[2:4]))
		o := out[b*blockSize32:]
		for j := 0; j < 16; j++ {
			v := blk[4+j]
			o[j] = float32(v&0x0F)*d + m
			o[j+16] = float32(v>>4)*d + m
		}
	}
}

// QuantizeQ4_1 encodes x into Q4_1 blocks using the observed [min,max] range.
func QuantizeQ4_1(x []float32, out []byte) {
	const stride = 20
	n := len(x) / blockSize32
	for b := 0; b < n; b++ {
		row := x[b*blockSize32 : b*blockSize32+blockSize32]
		min, max := row[0], row[0]
		for _, v := range row {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		d := (max - min) / 15
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		blk := out[b*stride : b*stride+stride]
		binary.LittleEndian.PutUint16(blk[0:2], fp16.FromFloat32(d))
		binary.LittleEndian.PutUint16(blk[2:4], fp16.FromFloat32(min))
		for j := 0; j < 16; j++ {
			v0 := clampU4(roundf32((row[j] - min) * id))
			v1 := clampU4(roundf32((row[j+16] - min) * id))
			blk[4+j] = byte(v0) | byte(v1)<<4
		}
	}
}

// DequantizeQ5_0 decodes a run of Q5_0 blocks (5-bit symmetric, the extra
// high bit of each nibble lives packed in a 32-bit qh field).
func DequantizeQ5_0(data []byte, out []float32) {
	const stride = 22
	n := len(out) / blockSize32
	for b := 0; b < n; b++ {
		blk := data[b*stride : b*stride+stride]
		d := fp16.ToFloat32(binary.LittleEndian.Uint16(blk[0:2]))
		qh := binary.LittleEndian.Uint32(blk[2:6])
		o := out[b*blockSize32:]
		for j := 0; j < 16; j++ {
			v := blk[6+j]
			xh0 := byte((qh>>uint(j))&1) << 4
			xh1 := byte((qh>>uint(j+16))&1) << 4
			v0 := int(v&0x0F|xh0) - 16
			v1 := int(v>>4|xh1) - 16
			o[j] = float32(v0) * d
			o[j+16] = float32(v1) * d
		}
	}
}

// QuantizeQ5_0 encodes x into Q5_0 blocks.
func QuantizeQ5_0(x []float32, out []byte) {
	const stride = 22
	n := len(x) / blockSize32
	for b := 0; b < n; b++ {
		row := x[b*blockSize32 : b*blockSize32+blockSize32]
		amax, max := float32(0), float32(0)
		for _, v := range row {
			if a := absf32(v); a > amax {
				amax, max = a, v
			}
		}
		d := max / -16
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		blk := out[b*stride : b*stride+stride]
		binary.LittleEndian.PutUint16(blk[0:2], fp16.FromFloat32(d))
		var qh uint32
		for j := 0; j < 16; j++ {
			v0 := clampQ5(roundf32(row[j]*id)) + 16
			v1 := clampQ5(roundf32(row[j+16]*id)) + 16
			qh |= uint32(v0>>4) << uint(j)
			qh |= uint32(v1>>4) << uint(j+16)
			blk[6+j] = byte(v0&0x0F) | byte(v1&0x0F)<<4
		}
		binary.LittleEndian.PutUint32(blk[2:6], qh)
	}
}

// DequantizeQ5_1 decodes a run of Q5_1 blocks (5-bit affine).
func DequantizeQ5_1(data []byte, out []float32) {
	const stride = 24
	n := len(out) / blockSize32
	for b := 0; b < n; b++ {
		blk := data[b*stride : b*stride+stride]
		d := fp16.ToFloat32(binary.LittleEndian.Uint16(blk[0:2]))
		m := fp16.ToFloat32(binary.LittleEndian.Uint16(blk[2:4]))
		qh := binary.LittleEndian.Uint32(blk[4:8])
		o := out[b*blockSize32:]
		for j := 0; j < 16; j++ {
			v := blk[8+j]
			xh0 := byte((qh>>uint(j))&1) << 4
			xh1 := byte((qh>>uint(j+16))&1) << 4
			o[j] = float32(v&0x0F|xh0)*d + m
			o[j+16] = float32(v>>4|xh1)*d + m
		}
	}
}

// QuantizeQ5_1 encodes x into Q5_1 blocks.
func QuantizeQ5_1(x []float32, out []byte) {
	const stride = 24
	n := len(x) / blockSize32
	for b := 0; b < n; b++ {
		row := x[b*blockSize32 : b*blockSize32+blockSize32]
		min, max := row[0], row[0]
		for _, v := range row {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		d := (max - min) / 31
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		blk := out[b*stride : b*stride+stride]
		binary.LittleEndian.PutUint16(blk[0:2], fp16.FromFloat32(d))
		binary.LittleEndian.PutUint16(blk[2:4], fp16.FromFloat32(min))
		var qh uint32
		for j := 0; j < 16; j++ {
			v0 := clampU5(roundf32((row[j] - min) * id))
			v1 := clampU5(roundf32((row[j+16] - min) * id))
			qh |= uint32(v0>>4) << uint(j)
			qh |= uint32(v1>>4) << uint(j+16)
			blk[8+j] = byte(v0&0x0F) | byte(v1&0x0F)<<4
		}
		binary.LittleEndian.PutUint32(blk[4:8], qh)
	}
}

// DequantizeQ8_0 decodes a run of Q8_0 blocks (plain int8 + fp16 scale).
func DequantizeQ8_0(data []byte, out []float32) {
	const stride = 34
	n := len(out) / blockSize32
	for b := 0; b < n; b++ {
		blk := data[b*stride : b*stride+stride]
		d := fp16.ToFloat32(binary.LittleEndian.Uint16(blk[0:2]))
		o := out[b*blockSize32:]
		for j := 0; j < blockSize32; j++ {
			o[j] = float32(int8(blk[2+j])) * d
		}
	}
}

// QuantizeQ8_0 encodes x into Q8_0 blocks.
func QuantizeQ8_0(x []float32, out []byte) {
	const stride = 34
	n := len(x) / blockSize32
	for b := 0; b < n; b++ {
		row := x[b*blockSize32 : b*blockSize32+blockSize32]
		amax := float32(0)
		for _, v := range row {
			if a := absf32(v); a > amax {
				amax = a
			}
		}
		d := amax / 127
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		blk := out[b*stride : b*stride+stride]
		binary.LittleEndian.PutUint16(blk[0:2], fp16.FromFloat32(d))
		for j, v := range row {
			blk[2+j] = byte(int8(clamp(roundf32(v*id), -128, 127)))
		}
	}
}

// DequantizeQ8_1 decodes a run of Q8_1 blocks (f32 scale + f32 row sum,
// used as the rhs of int8xint8 dot products so the sum term doesn't need
// to be recomputed per block at compute time).
func DequantizeQ8_1(data []byte, out []float32) {
	const stride = 40
	n := len(out) / blockSize32
	for b := 0; b < n; b++ {
		blk := data[b*stride : b*stride+stride]
		d := math.Float32frombits(binary.LittleEndian.Uint32(blk[0:4]))
		o := out[b*blockSize32:]
		for j := 0; j < blockSize32; j++ {
			o[j] = float32(int8(blk[8+j])) * d
		}
	}
}

// QuantizeQ8_1 encodes x into Q8_1 blocks, storing s = sum(q)*d alongside
// d. The dot kernels in dot.go dequantise both operands in full and do not
// read s.
func QuantizeQ8_1(x []float32, out []byte) {
	const stride = 40
	n := len(x) / blockSize32
	for b := 0; b < n; b++ {
		row := x[b*blockSize32 : b*blockSize32+blockSize32]
		amax := float32(0)
		for _, v := range row {
			if a := absf32(v); a > amax {
				amax = a
			}
		}
		d := amax / 127
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		blk := out[b*stride : b*stride+stride]
		binary.LittleEndian.PutUint32(blk[0:4], math.Float32bits(d))
		var sum int32
		for j, v := range row {
			q := int8(clamp(roundf32(v*id), -128, 127))
			blk[8+j] = byte(q)
			sum += int32(q)
		}
		binary.LittleEndian.PutUint32(blk[4:8], math.Float32bits(float32(sum)*d))
	}
}

func absf32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func roundf32(v float32) int {
	if v >= 0 {
		return int(v + 0.5)
	}
	return int(v - 0.5)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampQ4(v int) int { return clamp(v, -8, 7) + 8 }
func clampU4(v int) int { return clamp(v, 0, 15) }
func clampQ5(v int) int { return clamp(v, -16, 15) }
func clampU5(v int) int { return clamp(v, 0, 31) }

// blockSizeFor and strideFor return dt's block size and per-block byte
// size; nothing in the package calls them.
func blockSizeFor(dt dtype.DType) int { return dt.BlockSize() }
func strideFor(dt dtype.DType) int    { return dt.TypeSize() }
