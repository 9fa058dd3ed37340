// write.go - GGUF-Encoder: Header, KV-Paare, Tensor-Verzeichnis und Payloads
//
// Geschrieben wird ausschliesslich Version 3 (u64-Zaehler); die KV-Paare
// behalten ihre Einfuegereihenfolge (anders als die Referenz, die beim
// Schreiben alphabetisch sortiert), damit Lesen-und-Wiederschreiben die
// Datei byteweise erhaelt. Tensor-Payloads werden parallel per errgroup
// an ihre bereits berechneten Offsets geschrieben.
package gguf

import (
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Payload is one tensor to serialise: directory metadata plus the packed
// block/native bytes, which must be exactly Info.Size() long.
type Payload struct {
	Info TensorInfo
	Data []byte
}

// Write encodes a complete v3 GGUF container to f: magic, counts, KV pairs
// in insertion order, the tensor directory with alignment-padded offsets,
// then all payloads (in parallel, each at its precomputed offset). The
// alignment comes from kv's "general.alignment" key, defaulting to 32;
// all padding bytes are zero.
func Write(f *os.File, kv *KV, tensors []Payload) error {
	if err := binary.Write(f, binary.LittleEndian, []byte(Magic)); err != nil {
		return errors.Wrap(err, "gguf: write magic")
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(3)); err != nil {
		return errors.Wrap(err, "gguf: write version")
	}
	if err := binary.Write(f, binary.LittleEndian, uint64(len(tensors))); err != nil {
		return errors.Wrap(err, "gguf: write tensor count")
	}
	if err := binary.Write(f, binary.LittleEndian, uint64(kv.Len())); err != nil {
		return errors.Wrap(err, "gguf: write kv count")
	}

	for _, key := range kv.Keys() {
		if err := writeKV(f, key, kv.Value(key)); err != nil {
			return errors.Wrapf(err, "gguf: kv %s", key)
		}
	}

	alignment := int64(kv.Uint32("general.alignment", defaultAlignment))

	var s uint64
	for i := range tensors {
		tensors[i].Info.Offset = s
		if err := writeTensorInfo(f, tensors[i].Info); err != nil {
			return errors.Wrapf(err, "gguf: tensor info %s", tensors[i].Info.Name)
		}
		s += uint64(tensors[i].Info.Size())
		s += uint64(padding(int64(s), alignment))
	}

	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Wrap(err, "gguf: seek")
	}
	if pad := padding(offset, alignment); pad > 0 {
		if _, err := f.Write(make([]byte, pad)); err != nil {
			return errors.Wrap(err, "gguf: write alignment padding")
		}
		offset += pad
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, t := range tensors {
		w := io.NewOffsetWriter(f, offset+int64(t.Info.Offset))
		data := t.Data
		name := t.Info.Name
		g.Go(func() error {
			slog.Debug("gguf: write tensor payload", "name", name, "bytes", len(data))
			_, err := w.Write(data)
			return errors.Wrapf(err, "gguf: tensor payload %s", name)
		})
	}
	return g.Wait()
}

func writeTyped[V any](w io.Writer, t ValueType, v V) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(t)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, v)
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func writeTypedString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(TypeString)); err != nil {
		return err
	}
	return writeString(w, s)
}

func writeArray[S ~[]E, E any](w io.Writer, t ValueType, s S) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(TypeArray)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(t)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	if t == TypeString {
		for _, e := range any(s).([]string) {
			if err := writeString(w, e); err != nil {
				return err
			}
		}
		return nil
	}
	return binary.Write(w, binary.LittleEndian, s)
}

func writeKV(w io.Writer, k string, v any) error {
	if err := writeString(w, k); err != nil {
		return err
	}
	switch v := v.(type) {
	case uint8:
		return writeTyped(w, TypeUint8, v)
	case int8:
		return writeTyped(w, TypeInt8, v)
	case uint16:
		return writeTyped(w, TypeUint16, v)
	case int16:
		return writeTyped(w, TypeInt16, v)
	case uint32:
		return writeTyped(w, TypeUint32, v)
	case int32:
		return writeTyped(w, TypeInt32, v)
	case uint64:
		return writeTyped(w, TypeUint64, v)
	case int64:
		return writeTyped(w, TypeInt64, v)
	case float32:
		return writeTyped(w, TypeFloat32, v)
	case float64:
		return writeTyped(w, TypeFloat64, v)
	case bool:
		return writeTyped(w, TypeBool, v)
	case string:
		return writeTypedString(w, v)
	case []int32:
		return writeArray(w, TypeInt32, v)
	case []uint32:
		return writeArray(w, TypeUint32, v)
	case []int64:
		return writeArray(w, TypeInt64, v)
	case []uint64:
		return writeArray(w, TypeUint64, v)
	case []float32:
		return writeArray(w, TypeFloat32, v)
	case []bool:
		return writeArray(w, TypeBool, v)
	case []string:
		return writeArray(w, TypeString, v)
	default:
		return errors.Errorf("gguf: unsupported kv type %T for %q", v, k)
	}
}

func writeTensorInfo(w io.Writer, info TensorInfo) error {
	if err := writeString(w, info.Name); err != nil {
		return err
	}
	ndims := 0
	for i, n := range info.Ne {
		if n > 1 || i == 0 {
			ndims = i + 1
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(ndims)); err != nil {
		return err
	}
	for i := 0; i < ndims; i++ {
		if err := binary.Write(w, binary.LittleEndian, uint64(info.Ne[i])); err != nil {
			return err
		}
	}
	kind, err := kindOf(info.DType)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, kind); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, info.Offset)
}
