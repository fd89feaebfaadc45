package serialization

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/lycoris/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState(t *testing.T) map[string]*tensor.Raw {
	t.Helper()
	w, err := tensor.Encode(tensor.MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3), tensor.Float16)
	require.NoError(t, err)
	b, err := tensor.Encode(tensor.MustFromSlice([]float32{0.5, -0.5, 1}, 3), tensor.Float32)
	require.NoError(t, err)
	idx, err := tensor.EncodeInt16([]int64{0, 1, 2, 0}, 2, 2)
	require.NoError(t, err)
	return map[string]*tensor.Raw{"layer.weight": w, "layer.bias": b, "layer.indices": idx}
}

func splitFile(t *testing.T, data []byte) (map[string]json.RawMessage, []byte) {
	t.Helper()
	require.GreaterOrEqual(t, len(data), HeaderLengthSize)
	n := binary.LittleEndian.Uint64(data[:HeaderLengthSize])
	require.Zero(t, n%HeaderAlignment, "header must be aligned")
	headerJSON := data[HeaderLengthSize : HeaderLengthSize+int(n)]
	var header map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(headerJSON, &header))
	return header, data[HeaderLengthSize+int(n):]
}

func TestWriteStateDict_Layout(t *testing.T) {
	state := testState(t)
	var buf bytes.Buffer
	w := NewSafeTensorsStreamWriter(&buf)
	require.NoError(t, w.WriteStateDict(state, map[string]string{"format": "pt"}))
	require.NoError(t, w.Close())

	header, data := splitFile(t, buf.Bytes())

	var meta map[string]string
	require.NoError(t, json.Unmarshal(header[MetadataKey], &meta))
	assert.Equal(t, "pt", meta["format"])
	assert.Equal(t, FormatChecksum(StateChecksum(state)), meta[MetadataChecksumKey])

	// Alphabetical data order: bias, indices, weight.
	order := []string{"layer.bias", "layer.indices", "layer.weight"}
	dtypes := []string{DTypeF32, DTypeI16, DTypeF16}
	var offset int64
	for i, name := range order {
		var h SafeTensorHeader
		require.NoError(t, json.Unmarshal(header[name], &h), name)
		assert.Equal(t, dtypes[i], h.DType, name)
		size := int64(state[name].ByteSize())
		assert.Equal(t, [2]int64{offset, offset + size}, h.DataOffsets, name)
		assert.Equal(t, state[name].Data(), data[offset:offset+size], name)
		offset += size
	}
	assert.Len(t, data, int(offset))
}

func TestWriteSafeTensors_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.safetensors")
	state := testState(t)
	require.NoError(t, WriteSafeTensors(path, state, map[string]string{MetadataChecksumKey: "0000000000000001"}))

	data, err := os.ReadFile(path) //nolint:gosec // test file
	require.NoError(t, err)
	header, _ := splitFile(t, data)
	var meta map[string]string
	require.NoError(t, json.Unmarshal(header[MetadataKey], &meta))
	assert.Equal(t, "0000000000000001", meta[MetadataChecksumKey], "caller checksum is kept")
}

func TestWriteStateDict_Rejects(t *testing.T) {
	state := testState(t)
	state["../escape"] = state["layer.bias"]
	var buf bytes.Buffer
	err := NewSafeTensorsStreamWriter(&buf).WriteStateDict(state, nil)
	require.ErrorIs(t, err, ErrInvalidTensorName)

	w := NewSafeTensorsStreamWriter(&buf)
	require.NoError(t, w.Close())
	require.Error(t, w.WriteStateDict(testState(t), nil))
}

func TestWriteStateDict_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewSafeTensorsStreamWriter(&buf).WriteStateDict(map[string]*tensor.Raw{}, nil))
	header, data := splitFile(t, buf.Bytes())
	assert.Len(t, header, 1)
	assert.Empty(t, data)
}

func TestDTypeNames(t *testing.T) {
	for _, dt := range []tensor.DataType{
		tensor.Float16, tensor.BFloat16, tensor.Float32, tensor.Float64,
		tensor.Int16, tensor.Int32, tensor.Int64, tensor.Uint8, tensor.Bool,
	} {
		name, err := DTypeName(dt)
		require.NoError(t, err)
		back, err := ParseDType(name)
		require.NoError(t, err)
		assert.Equal(t, dt, back)
	}
	_, err := ParseDType("F8_E4M3")
	require.ErrorIs(t, err, ErrUnsupportedDType)
}
