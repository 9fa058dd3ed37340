// file.go - GGUF-Container-Struktur: Header, KV-Store und Tensor-Verzeichnis
package gguf

import (
	"github.com/ggcore/ggcore/dtype"
)

// Magic is the four-byte GGUF file signature.
const Magic = "GGUF"

// defaultAlignment is used when a file's KV store carries no explicit
// "general.alignment" key.
const defaultAlignment = 32

// TensorInfo is one entry of a GGUF file's tensor directory: a name, shape,
// element type and byte offset (relative to the aligned data section start)
// of its payload.
type TensorInfo struct {
	Name   string
	DType  dtype.DType
	Ne     [4]int
	Offset uint64
}

// NElements returns the number of logical elements described by Ne.
func (t TensorInfo) NElements() int {
	n := 1
	for _, d := range t.Ne {
		if d > 0 {
			n *= d
		}
	}
	return n
}

// Size returns the on-disk byte size of t's payload.
func (t TensorInfo) Size() int {
	return t.DType.RowSize(t.NElements())
}

// File is a fully decoded GGUF container: its version, KV metadata, tensor
// directory, and the byte offset at which the (aligned) tensor data section
// begins.
type File struct {
	Version    uint32
	KV         *KV
	Tensors    []TensorInfo
	DataOffset int64
}

// Tensor looks up a tensor directory entry by name.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return TensorInfo{}, false
}

func padding(offset, align int64) int64 {
	if align <= 0 {
		return 0
	}
	return (align - offset%align) % align
}
