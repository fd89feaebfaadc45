package serialization

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/born-ml/lycoris/internal/tensor"
)

// SafeTensorsWriter writes state dicts in SafeTensors format.
type SafeTensorsWriter struct {
	w      *bufio.Writer
	file   *os.File // nil when writing to a caller-owned io.Writer
	closed bool
}

// SafeTensorHeader represents a tensor in the SafeTensors header.
type SafeTensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// NewSafeTensorsWriter creates a new SafeTensors file writer.
func NewSafeTensorsWriter(path string) (*SafeTensorsWriter, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model saving
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return &SafeTensorsWriter{w: bufio.NewWriterSize(file, 1<<20), file: file}, nil
}

// NewSafeTensorsStreamWriter writes to w. Close flushes but does not close w.
func NewSafeTensorsStreamWriter(w io.Writer) *SafeTensorsWriter {
	return &SafeTensorsWriter{w: bufio.NewWriterSize(w, 1<<20)}
}

// WriteSafeTensors writes tensors to a SafeTensors file.
//
// Tensors are written in alphabetical order by name. The metadata gains a
// checksum entry (MetadataChecksumKey) unless the caller already set one.
func WriteSafeTensors(path string, tensors map[string]*tensor.Raw, metadata map[string]string) (err error) {
	writer, err := NewSafeTensorsWriter(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := writer.Close(); err == nil {
			err = cerr
		}
	}()
	return writer.WriteStateDict(tensors, metadata)
}

// EncodeHeader builds the padded JSON header for a state dict and returns
// it with the tensor names in data order.
func EncodeHeader(stateDict map[string]*tensor.Raw, metadata map[string]string) ([]byte, []string, error) {
	tensorNames := make([]string, 0, len(stateDict))
	for name := range stateDict {
		if err := ValidateTensorName(name); err != nil {
			return nil, nil, err
		}
		tensorNames = append(tensorNames, name)
	}
	sort.Strings(tensorNames)

	header := make(map[string]any, len(stateDict)+1)
	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	if _, ok := meta[MetadataChecksumKey]; !ok {
		meta[MetadataChecksumKey] = FormatChecksum(StateChecksum(stateDict))
	}
	header[MetadataKey] = meta

	var currentOffset int64
	for _, name := range tensorNames {
		raw := stateDict[name]
		dtype, err := DTypeName(raw.DType())
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		shape := make([]int64, len(raw.Shape()))
		for i, dim := range raw.Shape() {
			shape[i] = int64(dim)
		}
		size := int64(raw.ByteSize())
		header[name] = SafeTensorHeader{
			DType:       dtype,
			Shape:       shape,
			DataOffsets: [2]int64{currentOffset, currentOffset + size},
		}
		currentOffset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	if pad := len(headerJSON) % HeaderAlignment; pad != 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte{' '}, HeaderAlignment-pad)...)
	}
	if len(headerJSON) > MaxHeaderSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, len(headerJSON))
	}
	return headerJSON, tensorNames, nil
}

// WriteStateDict writes a state dictionary.
func (w *SafeTensorsWriter) WriteStateDict(stateDict map[string]*tensor.Raw, metadata map[string]string) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	headerJSON, tensorNames, err := EncodeHeader(stateDict, metadata)
	if err != nil {
		return err
	}

	headerSize := uint64(len(headerJSON))
	if err := binary.Write(w.w, binary.LittleEndian, headerSize); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, name := range tensorNames {
		if _, err := w.w.Write(stateDict[name].Data()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return w.w.Flush()
}

// Close flushes buffered data and closes the underlying file, if any.
func (w *SafeTensorsWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.w.Flush(); err != nil {
		if w.file != nil {
			_ = w.file.Close()
		}
		return err
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
