package loader

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/born-ml/lycoris/internal/serialization"
	"github.com/born-ml/lycoris/internal/tensor"
)

// SafeTensors format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: raw bytes]

// SafeTensorInfo describes a tensor in SafeTensors format.
type SafeTensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end]
}

// SafeTensorsHeader is the JSON header in SafeTensors format.
type SafeTensorsHeader struct {
	Metadata map[string]string         `json:"__metadata__"`
	Tensors  map[string]SafeTensorInfo `json:"-"`
}

// UnmarshalJSON implements custom JSON unmarshaling for SafeTensorsHeader.
func (h *SafeTensorsHeader) UnmarshalJSON(data []byte) error {
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return err
	}

	if metadataRaw, ok := rawMap[serialization.MetadataKey]; ok {
		if err := json.Unmarshal(metadataRaw, &h.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	h.Tensors = make(map[string]SafeTensorInfo, len(rawMap))
	for key, value := range rawMap {
		if key == serialization.MetadataKey {
			continue
		}
		var info SafeTensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return fmt.Errorf("failed to unmarshal tensor %s: %w", key, err)
		}
		h.Tensors[key] = info
	}

	return nil
}

// meta converts the header into the form the validator checks.
func (h *SafeTensorsHeader) meta() *serialization.Header {
	out := &serialization.Header{Metadata: h.Metadata, Tensors: make([]serialization.TensorMeta, 0, len(h.Tensors))}
	for name, info := range h.Tensors {
		out.Tensors = append(out.Tensors, serialization.TensorMeta{
			Name:   name,
			DType:  info.DType,
			Shape:  info.Shape,
			Offset: info.DataOffsets[0],
			Size:   info.DataOffsets[1] - info.DataOffsets[0],
		})
	}
	return out
}

// SafeTensorsReader reads SafeTensors data from any io.ReaderAt.
type SafeTensorsReader struct {
	r          io.ReaderAt
	closer     io.Closer
	header     SafeTensorsHeader
	dataOffset int64 // Offset where tensor data starts
	dataSize   int64
}

// NewSafeTensorsReader opens a SafeTensors file.
func NewSafeTensorsReader(path string) (*SafeTensorsReader, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	r, err := NewSafeTensorsReaderAt(file, st.Size(), file)
	if err != nil {
		_ = file.Close() // Best effort close on error
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// NewSafeTensorsBytesReader reads SafeTensors data held in memory.
func NewSafeTensorsBytesReader(data []byte) (*SafeTensorsReader, error) {
	return NewSafeTensorsReaderAt(bytes.NewReader(data), int64(len(data)), nil)
}

// NewSafeTensorsReaderAt parses the header of size bytes of SafeTensors
// data in r. closer, if non-nil, is closed by Close.
func NewSafeTensorsReaderAt(r io.ReaderAt, size int64, closer io.Closer) (*SafeTensorsReader, error) {
	var lenBuf [serialization.HeaderLengthSize]byte
	if err := readAt(r, lenBuf[:], 0); err != nil {
		return nil, fmt.Errorf("failed to read header size: %w", err)
	}
	headerSize := binary.LittleEndian.Uint64(lenBuf[:])

	if headerSize > serialization.MaxHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", serialization.ErrHeaderTooLarge, headerSize)
	}
	dataOffset := int64(serialization.HeaderLengthSize) + int64(headerSize) //nolint:gosec // G115: bounded above
	if dataOffset > size {
		return nil, fmt.Errorf("header size %d exceeds file size %d", headerSize, size)
	}

	headerBytes := make([]byte, headerSize)
	if err := readAt(r, headerBytes, serialization.HeaderLengthSize); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var header SafeTensorsHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	dataSize := size - dataOffset
	if err := serialization.ValidateHeader(header.meta(), dataSize, serialization.ValidationStrict); err != nil {
		return nil, err
	}

	return &SafeTensorsReader{
		r:          r,
		closer:     closer,
		header:     header,
		dataOffset: dataOffset,
		dataSize:   dataSize,
	}, nil
}

// Close closes the underlying file, if any.
func (r *SafeTensorsReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Metadata returns the metadata map from the header.
func (r *SafeTensorsReader) Metadata() map[string]string {
	return r.header.Metadata
}

// TensorNames returns all tensor names in the file, sorted.
func (r *SafeTensorsReader) TensorNames() []string {
	names := make([]string, 0, len(r.header.Tensors))
	for name := range r.header.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TensorInfo returns information about a specific tensor.
func (r *SafeTensorsReader) TensorInfo(name string) (*SafeTensorInfo, error) {
	info, ok := r.header.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	return &info, nil
}

// ReadTensorData reads raw tensor data for a given tensor name.
func (r *SafeTensorsReader) ReadTensorData(name string) ([]byte, error) {
	info, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}

	data := make([]byte, info.DataOffsets[1]-info.DataOffsets[0])
	if err := readAt(r.r, data, r.dataOffset+info.DataOffsets[0]); err != nil {
		return nil, fmt.Errorf("failed to read tensor %s: %w", name, err)
	}
	return data, nil
}

// LoadTensor loads a tensor in its stored dtype.
func (r *SafeTensorsReader) LoadTensor(name string) (*tensor.Raw, error) {
	info, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}

	dtype, err := serialization.ParseDType(info.DType)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}

	data, err := r.ReadTensorData(name)
	if err != nil {
		return nil, err
	}

	raw, err := tensor.NewRaw(tensor.Shape(info.Shape), dtype, data)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return raw, nil
}

// LoadAll loads every tensor. When the metadata carries a checksum, the
// loaded state is verified against it.
func (r *SafeTensorsReader) LoadAll() (map[string]*tensor.Raw, error) {
	state := make(map[string]*tensor.Raw, len(r.header.Tensors))
	for _, name := range r.TensorNames() {
		raw, err := r.LoadTensor(name)
		if err != nil {
			return nil, err
		}
		state[name] = raw
	}

	if stored, ok := r.header.Metadata[serialization.MetadataChecksumKey]; ok {
		want, err := serialization.ParseChecksum(stored)
		if err != nil {
			return nil, err
		}
		if err := serialization.ValidateChecksum(serialization.StateChecksum(state), want); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// readAt fills buf from off. io.EOF together with a full buffer is success.
func readAt(r io.ReaderAt, buf []byte, off int64) error {
	if len(buf) == 0 {
		return nil
	}
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// ReadSafeTensors loads all tensors and the metadata of a file.
func ReadSafeTensors(path string) (map[string]*tensor.Raw, map[string]string, error) {
	r, err := NewSafeTensorsReader(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = r.Close() }()
	state, err := r.LoadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return state, r.Metadata(), nil
}
