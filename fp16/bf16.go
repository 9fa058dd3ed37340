// bf16.go - BFloat16 Konvertierung (supplementaerer Dtype, siehe SPEC_FULL.md)
package fp16

import "github.com/d4l3k/go-bfloat16"

// BF16ToFloat32 decodes a little-endian bfloat16 byte pair.
func BF16ToFloat32(b []byte) float32 {
	out := bfloat16.DecodeFloat32(b[:2])
	return out[0]
}

// BF16DecodeSlice dequantises a run of bf16-encoded bytes into f32.
func BF16DecodeSlice(b []byte) []float32 {
	return bfloat16.DecodeFloat32(b)
}

// BF16EncodeSlice quantises f32 values into bf16 bytes.
func BF16EncodeSlice(f32 []float32) []byte {
	return bfloat16.EncodeFloat32(f32)
}
