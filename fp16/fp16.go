// Package fp16 - Globale FP16<->FP32 Konvertierungstabelle
//
// Dieses Modul stellt die prozessweite, einmalig initialisierte
// Nachschlagetabelle fuer die Umwandlung zwischen half- und
// single-precision Floats bereit (spec: "256 KiB fp16<->fp32 lookup table").
package fp16

import (
	"sync"

	"github.com/x448/float16"
)

var (
	initOnce sync.Once
	toF32Tab [1 << 16]float32
)

// ensureTable lazily builds the 256 KiB table the first time any conversion is
// requested, guarded by the package's one-time critical section. The
// reference engine performs this under the same lock that gates global
// context creation; here a sync.Once is the idiomatic Go equivalent.
func ensureTable() {
	initOnce.Do(func() {
		for bits := 0; bits < 1<<16; bits++ {
			toF32Tab[bits] = float16.Frombits(uint16(bits)).Float32()
		}
	})
}

// ToFloat32 decodes a single fp16 bit pattern via the lookup table.
func ToFloat32(bits uint16) float32 {
	ensureTable()
	return toF32Tab[bits]
}

// FromFloat32 encodes f as the nearest fp16 bit pattern. Unlike decoding,
// encoding is not a pure table lookup in the reference implementation
// either (it still requires exponent/mantissa rounding), so this defers
// directly to the well-tested float16 codec.
func FromFloat32(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// DecodeSlice dequantises a run of raw little-endian fp16 bit patterns.
func DecodeSlice(bits []uint16, out []float32) {
	ensureTable()
	for i, b := range bits {
		out[i] = toF32Tab[b]
	}
}

// EncodeSlice quantises f32 values into fp16 bit patterns.
func EncodeSlice(f32 []float32, out []uint16) {
	for i, f := range f32 {
		out[i] = FromFloat32(f)
	}
}
