// read.go - GGUF-Decoder: Header, KV-Paare und Tensor-Verzeichnis
//
// Read akzeptiert v1/v2/v3 (teacher gguf.go unterscheidet die drei nur in
// der Breite von NumTensor/NumKV: v1 ist uint32, v2/v3 sind uint64);
// geschrieben wird ausschliesslich v3, siehe write.go.
package gguf

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Read decodes a full GGUF container from rs: magic, version, KV pairs and
// the tensor directory. Tensor payload bytes are not read here; callers use
// f.DataOffset + TensorInfo.Offset with their own io.ReaderAt.
func Read(rs io.ReadSeeker) (*File, error) {
	var magic [4]byte
	if _, err := io.ReadFull(rs, magic[:]); err != nil {
		return nil, errors.Wrap(err, "gguf: read magic")
	}
	if string(magic[:]) != Magic {
		return nil, errors.Errorf("gguf: bad magic %q, want %q", magic, Magic)
	}

	var version uint32
	if err := binary.Read(rs, binary.LittleEndian, &version); err != nil {
		return nil, errors.Wrap(err, "gguf: read version")
	}

	var numTensor, numKV uint64
	switch version {
	case 1:
		var nt, nk uint32
		if err := binary.Read(rs, binary.LittleEndian, &nt); err != nil {
			return nil, errors.Wrap(err, "gguf: read v1 tensor count")
		}
		if err := binary.Read(rs, binary.LittleEndian, &nk); err != nil {
			return nil, errors.Wrap(err, "gguf: read v1 kv count")
		}
		numTensor, numKV = uint64(nt), uint64(nk)
	default:
		if err := binary.Read(rs, binary.LittleEndian, &numTensor); err != nil {
			return nil, errors.Wrap(err, "gguf: read tensor count")
		}
		if err := binary.Read(rs, binary.LittleEndian, &numKV); err != nil {
			return nil, errors.Wrap(err, "gguf: read kv count")
		}
	}

	d := &decoder{rs: rs, version: version}

	f := &File{Version: version, KV: NewKV()}
	for i := uint64(0); i < numKV; i++ {
		key, err := d.readString()
		if err != nil {
			return nil, errors.Wrapf(err, "gguf: kv %d: read key", i)
		}
		val, err := d.readValue()
		if err != nil {
			return nil, errors.Wrapf(err, "gguf: kv %d (%s): read value", i, key)
		}
		f.KV.Set(key, val)
	}

	for i := uint64(0); i < numTensor; i++ {
		info, err := d.readTensorInfo()
		if err != nil {
			return nil, errors.Wrapf(err, "gguf: tensor %d: read info", i)
		}
		f.Tensors = append(f.Tensors, info)
	}

	offset, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, errors.Wrap(err, "gguf: seek current")
	}
	alignment := int64(f.KV.Uint32("general.alignment", defaultAlignment))
	f.DataOffset = offset + padding(offset, alignment)

	return f, nil
}

type decoder struct {
	rs      io.ReadSeeker
	version uint32
}

func (d *decoder) readString() (string, error) {
	var length uint64
	if d.version == 1 {
		var l32 uint32
		// v1 strings are length-prefixed the same as later versions but the
		// prefix itself is only 32 bits wide; the payload is read as exactly
		// that many bytes, with no null terminator handling.
		if err := binary.Read(d.rs, binary.LittleEndian, &l32); err != nil {
			return "", err
		}
		length = uint64(l32)
	} else if err := binary.Read(d.rs, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(d.rs, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readScalar[T any](d *decoder) (T, error) {
	var v T
	err := binary.Read(d.rs, binary.LittleEndian, &v)
	return v, err
}

func (d *decoder) readValue() (any, error) {
	var t uint32
	if err := binary.Read(d.rs, binary.LittleEndian, &t); err != nil {
		return nil, err
	}
	return d.readTyped(ValueType(t))
}

func (d *decoder) readTyped(t ValueType) (any, error) {
	switch t {
	case TypeUint8:
		return readScalar[uint8](d)
	case TypeInt8:
		return readScalar[int8](d)
	case TypeUint16:
		return readScalar[uint16](d)
	case TypeInt16:
		return readScalar[int16](d)
	case TypeUint32:
		return readScalar[uint32](d)
	case TypeInt32:
		return readScalar[int32](d)
	case TypeUint64:
		return readScalar[uint64](d)
	case TypeInt64:
		return readScalar[int64](d)
	case TypeFloat32:
		return readScalar[float32](d)
	case TypeFloat64:
		return readScalar[float64](d)
	case TypeBool:
		return readScalar[bool](d)
	case TypeString:
		return d.readString()
	case TypeArray:
		return d.readArray()
	default:
		return nil, errors.Errorf("gguf: unknown value type tag %d", t)
	}
}

func (d *decoder) readArray() (any, error) {
	var elemType uint32
	if err := binary.Read(d.rs, binary.LittleEndian, &elemType); err != nil {
		return nil, err
	}
	var n uint64
	if err := binary.Read(d.rs, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	switch ValueType(elemType) {
	case TypeString:
		out := make([]string, n)
		for i := range out {
			s, err := d.readString()
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	case TypeInt32:
		return readArrayOf[int32](d, n)
	case TypeUint32:
		return readArrayOf[uint32](d, n)
	case TypeFloat32:
		return readArrayOf[float32](d, n)
	case TypeInt64:
		return readArrayOf[int64](d, n)
	case TypeUint64:
		return readArrayOf[uint64](d, n)
	case TypeBool:
		return readArrayOf[bool](d, n)
	default:
		return nil, errors.Errorf("gguf: unsupported array element type %d", elemType)
	}
}

func readArrayOf[T any](d *decoder, n uint64) ([]T, error) {
	out := make([]T, n)
	for i := range out {
		v, err := readScalar[T](d)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (d *decoder) readTensorInfo() (TensorInfo, error) {
	name, err := d.readString()
	if err != nil {
		return TensorInfo{}, err
	}
	var ndims uint32
	if err := binary.Read(d.rs, binary.LittleEndian, &ndims); err != nil {
		return TensorInfo{}, err
	}
	var ne [4]int
	for i := 0; i < 4; i++ {
		ne[i] = 1
	}
	for i := uint32(0); i < ndims; i++ {
		var n uint64
		if err := binary.Read(d.rs, binary.LittleEndian, &n); err != nil {
			return TensorInfo{}, err
		}
		if i < 4 {
			ne[i] = int(n)
		}
	}
	var kind uint32
	if err := binary.Read(d.rs, binary.LittleEndian, &kind); err != nil {
		return TensorInfo{}, err
	}
	dt, err := dtypeOf(kind)
	if err != nil {
		return TensorInfo{}, err
	}
	var offset uint64
	if err := binary.Read(d.rs, binary.LittleEndian, &offset); err != nil {
		return TensorInfo{}, err
	}
	return TensorInfo{Name: name, DType: dt, Ne: ne, Offset: offset}, nil
}
