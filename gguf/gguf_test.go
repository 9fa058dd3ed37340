// gguf_test.go - Container-Rundreise-Tests (Schreiben -> Lesen -> Vergleich)
package gguf

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ggcore/ggcore/dtype"
)

func writeTestFile(t *testing.T, kv *KV, tensors []Payload) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.gguf")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, Write(f, kv, tensors))
	require.NoError(t, f.Close())
	return path
}

func testKV() *KV {
	kv := NewKV()
	kv.Set("general.architecture", "ggcore")
	kv.Set("general.alignment", uint32(32))
	kv.Set("ggcore.layer_count", int32(12))
	kv.Set("ggcore.rope_theta", float32(10000))
	kv.Set("ggcore.tied_embeddings", true)
	kv.Set("ggcore.dims", []int32{64, 32})
	kv.Set("ggcore.names", []string{"alpha", "beta"})
	return kv
}

func TestContainerRoundTrip(t *testing.T) {
	payloadA := bytes.Repeat([]byte{0x11, 0x22, 0x33, 0x44}, 64) // 64 F32 values
	payloadB := bytes.Repeat([]byte{0x55}, dtype.Q4_0.RowSize(64))

	tensors := []Payload{
		{Info: TensorInfo{Name: "blk.0.weight", DType: dtype.F32, Ne: [4]int{64, 1, 1, 1}}, Data: payloadA},
		{Info: TensorInfo{Name: "blk.0.weight_q", DType: dtype.Q4_0, Ne: [4]int{64, 1, 1, 1}}, Data: payloadB},
	}
	path := writeTestFile(t, testKV(), tensors)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	file, err := Read(f)
	require.NoError(t, err)
	require.Equal(t, uint32(3), file.Version)
	require.Len(t, file.Tensors, 2)

	// KV pairs survive with their types and insertion order.
	require.Equal(t, testKV().Keys(), file.KV.Keys())
	require.Equal(t, "ggcore", file.KV.String("general.architecture"))
	require.Equal(t, uint32(32), file.KV.Uint32("general.alignment"))
	require.Equal(t, int32(12), file.KV.Int32("ggcore.layer_count"))
	require.Equal(t, float32(10000), file.KV.Float32("ggcore.rope_theta"))
	require.True(t, file.KV.Bool("ggcore.tied_embeddings"))
	require.Equal(t, []int32{64, 32}, file.KV.Int32s("ggcore.dims"))
	require.Equal(t, []string{"alpha", "beta"}, file.KV.Strings("ggcore.names"))

	info, ok := file.Tensor("blk.0.weight_q")
	require.True(t, ok)
	require.Equal(t, dtype.Q4_0, info.DType)
	require.Equal(t, [4]int{64, 1, 1, 1}, info.Ne)
	require.Equal(t, dtype.Q4_0.RowSize(64), info.Size())

	// Payload bytes are byte-identical at their aligned offsets.
	for i, want := range [][]byte{payloadA, payloadB} {
		ti := file.Tensors[i]
		got := make([]byte, ti.Size())
		_, err := f.Seek(file.DataOffset+int64(ti.Offset), io.SeekStart)
		require.NoError(t, err)
		_, err = io.ReadFull(f, got)
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(want, got))
	}

	// The data section and every payload start on the alignment boundary.
	require.Zero(t, file.DataOffset%32)
	for _, ti := range file.Tensors {
		require.Zero(t, ti.Offset%32)
	}
}

func TestRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gguf")
	require.NoError(t, os.WriteFile(path, []byte("NOPE1234"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = Read(f)
	require.ErrorContains(t, err, "bad magic")
}

func TestRereadIsStable(t *testing.T) {
	// Reading and re-writing a container must preserve KV order and
	// produce identical header bytes (invariant 8's fixed point).
	tensors := []Payload{
		{Info: TensorInfo{Name: "t", DType: dtype.F32, Ne: [4]int{8, 1, 1, 1}}, Data: make([]byte, 32)},
	}
	path1 := writeTestFile(t, testKV(), tensors)

	f1, err := os.Open(path1)
	require.NoError(t, err)
	defer f1.Close()
	file1, err := Read(f1)
	require.NoError(t, err)

	path2 := writeTestFile(t, file1.KV, tensors)

	b1, err := os.ReadFile(path1)
	require.NoError(t, err)
	b2, err := os.ReadFile(path2)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(b1, b2))
}
