package serialization

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/born-ml/lycoris/internal/tensor"
	"github.com/zeebo/xxh3"
)

// MetadataChecksumKey is the metadata entry holding the state checksum.
const MetadataChecksumKey = "checksum.xxh3"

// ComputeChecksum computes the XXH3-64 checksum of data.
func ComputeChecksum(data []byte) uint64 {
	return xxh3.Hash(data)
}

// ComputeChecksumReader computes the XXH3-64 checksum of everything read from r.
func ComputeChecksumReader(r io.Reader) (uint64, error) {
	h := xxh3.New()
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// StateChecksum hashes a state dict independently of map order: tensors are
// visited by sorted name and each contributes its name, dtype, shape and bytes.
func StateChecksum(state map[string]*tensor.Raw) uint64 {
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	h := xxh3.New()
	var buf [8]byte
	for _, name := range names {
		raw := state[name]
		_, _ = h.WriteString(name)
		_, _ = h.WriteString(raw.DType().String())
		for _, d := range raw.Shape() {
			binary.LittleEndian.PutUint64(buf[:], uint64(d)) //nolint:gosec // G115: dims are non-negative
			_, _ = h.Write(buf[:])
		}
		_, _ = h.Write(raw.Data())
	}
	return h.Sum64()
}

// FormatChecksum renders a checksum the way it is stored in metadata.
func FormatChecksum(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

// ParseChecksum parses a checksum stored with FormatChecksum.
func ParseChecksum(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse checksum %q: %w", s, err)
	}
	return v, nil
}

// ValidateChecksum compares computed checksum against stored checksum.
// Returns ErrChecksumMismatch if they don't match.
func ValidateChecksum(computed, stored uint64) error {
	if computed != stored {
		return fmt.Errorf("%w: computed %s, stored %s", ErrChecksumMismatch, FormatChecksum(computed), FormatChecksum(stored))
	}
	return nil
}
