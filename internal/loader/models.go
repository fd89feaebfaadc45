package loader

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/born-ml/lycoris/internal/blob"
	"github.com/born-ml/lycoris/internal/serialization"
	"github.com/born-ml/lycoris/internal/tensor"
)

// OpenSafeTensors opens the SafeTensors blob at key. Local files are read
// through the file handle; other stores are fetched into memory.
func OpenSafeTensors(ctx context.Context, store blob.Store, key string) (*SafeTensorsReader, error) {
	if fs, ok := store.(*blob.Filesystem); ok {
		return NewSafeTensorsReader(filepath.Join(fs.Root(), filepath.FromSlash(key)))
	}
	data, err := blob.ReadAll(ctx, store, key)
	if err != nil {
		return nil, err
	}
	r, err := NewSafeTensorsBytesReader(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return r, nil
}

// LoadSafeTensors loads every tensor and the metadata of the blob at key.
func LoadSafeTensors(ctx context.Context, store blob.Store, key string) (map[string]*tensor.Raw, map[string]string, error) {
	r, err := OpenSafeTensors(ctx, store, key)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = r.Close() }()
	state, err := r.LoadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", key, err)
	}
	return state, r.Metadata(), nil
}

// SaveSafeTensors streams a state dict to key.
func SaveSafeTensors(ctx context.Context, store blob.Store, key string, state map[string]*tensor.Raw, metadata map[string]string) error {
	pr, pw := io.Pipe()
	go func() {
		w := serialization.NewSafeTensorsStreamWriter(pw)
		err := w.WriteStateDict(state, metadata)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		_ = pw.CloseWithError(err)
	}()
	if err := store.Put(ctx, key, pr); err != nil {
		_ = pr.CloseWithError(err)
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
