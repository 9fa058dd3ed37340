// kind.go - Abbildung zwischen dtype.DType und dem GGUF-Drahtformat-Typ-Code
//
// dtype.DType's Reihenfolge ist frei waehlbar (spec §3 nennt nur die Menge
// der Typen); das GGUF-Drahtformat hat dagegen feste numerische Codes aus
// der ggml-Referenz, die unabhaengig von unserer internen Enum-Reihenfolge
// sind. Diese Tabelle haelt beide auseinander, damit eine spaetere
// Umsortierung von dtype.DType keine existierenden .gguf-Dateien bricht.
package gguf

import (
	"fmt"

	"github.com/ggcore/ggcore/dtype"
)

const (
	kindF32  uint32 = 0
	kindF16  uint32 = 1
	kindQ4_0 uint32 = 2
	kindQ4_1 uint32 = 3
	kindQ5_0 uint32 = 6
	kindQ5_1 uint32 = 7
	kindQ8_0 uint32 = 8
	kindQ8_1 uint32 = 9
	kindQ2_K uint32 = 10
	kindQ3_K uint32 = 11
	kindQ4_K uint32 = 12
	kindQ5_K uint32 = 13
	kindQ6_K uint32 = 14
	kindQ8_K uint32 = 15
	kindI8   uint32 = 24
	kindI16  uint32 = 25
	kindI32  uint32 = 26
	kindBF16 uint32 = 30
)

// kindOf returns the GGUF wire type code for dt.
func kindOf(dt dtype.DType) (uint32, error) {
	switch dt {
	case dtype.F32:
		return kindF32, nil
	case dtype.F16:
		return kindF16, nil
	case dtype.BF16:
		return kindBF16, nil
	case dtype.I8:
		return kindI8, nil
	case dtype.I16:
		return kindI16, nil
	case dtype.I32:
		return kindI32, nil
	case dtype.Q4_0:
		return kindQ4_0, nil
	case dtype.Q4_1:
		return kindQ4_1, nil
	case dtype.Q5_0:
		return kindQ5_0, nil
	case dtype.Q5_1:
		return kindQ5_1, nil
	case dtype.Q8_0:
		return kindQ8_0, nil
	case dtype.Q8_1:
		return kindQ8_1, nil
	case dtype.Q2_K:
		return kindQ2_K, nil
	case dtype.Q3_K:
		return kindQ3_K, nil
	case dtype.Q4_K:
		return kindQ4_K, nil
	case dtype.Q5_K:
		return kindQ5_K, nil
	case dtype.Q6_K:
		return kindQ6_K, nil
	case dtype.Q8_K:
		return kindQ8_K, nil
	default:
		return 0, fmt.Errorf("gguf: dtype %s has no GGUF wire encoding", dt)
	}
}

// dtypeOf returns the dtype.DType for a GGUF wire type code.
func dtypeOf(kind uint32) (dtype.DType, error) {
	switch kind {
	case kindF32:
		return dtype.F32, nil
	case kindF16:
		return dtype.F16, nil
	case kindBF16:
		return dtype.BF16, nil
	case kindI8:
		return dtype.I8, nil
	case kindI16:
		return dtype.I16, nil
	case kindI32:
		return dtype.I32, nil
	case kindQ4_0:
		return dtype.Q4_0, nil
	case kindQ4_1:
		return dtype.Q4_1, nil
	case kindQ5_0:
		return dtype.Q5_0, nil
	case kindQ5_1:
		return dtype.Q5_1, nil
	case kindQ8_0:
		return dtype.Q8_0, nil
	case kindQ8_1:
		return dtype.Q8_1, nil
	case kindQ2_K:
		return dtype.Q2_K, nil
	case kindQ3_K:
		return dtype.Q3_K, nil
	case kindQ4_K:
		return dtype.Q4_K, nil
	case kindQ5_K:
		return dtype.Q5_K, nil
	case kindQ6_K:
		return dtype.Q6_K, nil
	case kindQ8_K:
		return dtype.Q8_K, nil
	default:
		return 0, fmt.Errorf("gguf: unknown GGUF wire type code %d", kind)
	}
}
