// Package dtype - Tensor-Elementtypen und Block-Layout-Tabellen
//
// Dieses Modul definiert den DType-Typ-Tag sowie BlockSize/TypeSize,
// die fuer jeden Tensor dessen physikalisches Speicherlayout festlegen.
package dtype

import "fmt"

// DType tags the element type of a Tensor. Quantised types pack block_size
// values into type_size bytes sharing a scale (and sometimes a zero-point);
// native types have block_size 1.
type DType uint32

const (
	F32 DType = iota
	F16
	BF16
	I8
	I16
	I32
	Q4_0
	Q4_1
	Q5_0
	Q5_1
	Q8_0
	Q8_1
	Q2_K
	Q3_K
	Q4_K
	Q5_K
	Q6_K
	Q8_K
)

// String returns the canonical GGUF-style name of the type.
func (t DType) String() string {
	switch t {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	case I8:
		return "I8"
	case I16:
		return "I16"
	case I32:
		return "I32"
	case Q4_0:
		return "Q4_0"
	case Q4_1:
		return "Q4_1"
	case Q5_0:
		return "Q5_0"
	case Q5_1:
		return "Q5_1"
	case Q8_0:
		return "Q8_0"
	case Q8_1:
		return "Q8_1"
	case Q2_K:
		return "Q2_K"
	case Q3_K:
		return "Q3_K"
	case Q4_K:
		return "Q4_K"
	case Q5_K:
		return "Q5_K"
	case Q6_K:
		return "Q6_K"
	case Q8_K:
		return "Q8_K"
	default:
		return fmt.Sprintf("DType(%d)", uint32(t))
	}
}

// Parse maps a GGUF-style type name back to a DType.
func Parse(s string) (DType, error) {
	for t := F32; t <= Q8_K; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("dtype: unsupported type %q", s)
}

// IsQuantized reports whether t packs more than one value per byte group
// sharing a scale, as opposed to a native machine type.
func (t DType) IsQuantized() bool {
	switch t {
	case F32, F16, BF16, I8, I16, I32:
		return false
	default:
		return true
	}
}

// BlockSize returns the number of logical elements sharing one scale.
// Native types have block_size 1; Q*_0/Q*_1 use 32; K-quants use 256.
func (t DType) BlockSize() int {
	switch t {
	case F32, F16, BF16, I8, I16, I32:
		return 1
	case Q4_0, Q4_1, Q5_0, Q5_1, Q8_0, Q8_1:
		return 32
	default:
		return 256
	}
}

// TypeSize returns the number of bytes used to store one block.
func (t DType) TypeSize() int {
	bs := t.BlockSize()
	switch t {
	case F32:
		return 4
	case F16, BF16:
		return 2
	case I8:
		return 1
	case I16:
		return 2
	case I32:
		return 4
	case Q4_0:
		return 2 + bs/2
	case Q4_1:
		return 2 + 2 + bs/2
	case Q5_0:
		return 2 + 4 + bs/2
	case Q5_1:
		return 2 + 2 + 4 + bs/2
	case Q8_0:
		return 2 + bs
	case Q8_1:
		return 4 + 4 + bs
	case Q2_K:
		return bs/16 + bs/4 + 2 + 2
	case Q3_K:
		return bs/8 + bs/4 + 12 + 2
	case Q4_K:
		return 2 + 2 + 12 + bs/2
	case Q5_K:
		return 2 + 2 + 12 + bs/8 + bs/2
	case Q6_K:
		return bs/2 + bs/4 + bs/16 + 2
	case Q8_K:
		return 4 + bs + 2*bs/16
	default:
		return 0
	}
}

// RowSize returns the byte size of a row of ne elements of this type.
// ne must be a multiple of BlockSize.
func (t DType) RowSize(ne int) int {
	return t.TypeSize() * ne / t.BlockSize()
}
