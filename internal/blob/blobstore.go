// Package blob provides the storage locations models and factorized states
// are read from and written to: a local directory or an S3 / MinIO bucket
// prefix.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	DriverFilesystem Driver = "fs"     // local filesystem
	DriverS3         Driver = "s3"     // S3 / MinIO compatible
	DriverMemory     Driver = "memory" // in-memory (tests)
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("blob: not found")

// Info describes a stored blob.
type Info struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is a minimal S3-like key/value abstraction. Keys are slash
// separated and relative to the store root.
type Store interface {
	// Get opens the blob at key. Missing keys wrap ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put stores r at key, replacing any previous content.
	Put(ctx context.Context, key string, r io.Reader) error
	// List returns blobs whose key has the provided prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Info, error)
	// Driver reports the backend.
	Driver() Driver
}

// Location is a parsed storage URI.
type Location struct {
	Driver Driver
	Bucket string // S3 only
	Path   string // directory for fs, key prefix (or key) for s3
}

// ParseLocation parses "s3://bucket/prefix" or a local path.
func ParseLocation(uri string) (Location, error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		if uri == "" {
			return Location{}, fmt.Errorf("blob: empty location")
		}
		return Location{Driver: DriverFilesystem, Path: uri}, nil
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("blob: %q has no bucket", uri)
	}
	return Location{Driver: DriverS3, Bucket: bucket, Path: strings.Trim(key, "/")}, nil
}

// Split separates a file location into its parent directory and base name,
// so a single object can be addressed through a Store rooted at the parent.
func (l Location) Split() (Location, string) {
	dir := l
	i := strings.LastIndexAny(l.Path, `/\`)
	if i < 0 {
		if l.Driver == DriverFilesystem {
			dir.Path = "."
		} else {
			dir.Path = ""
		}
		return dir, l.Path
	}
	dir.Path = l.Path[:i]
	if dir.Path == "" && l.Driver == DriverFilesystem {
		dir.Path = l.Path[:i+1]
	}
	return dir, l.Path[i+1:]
}

// String renders the location back to URI form.
func (l Location) String() string {
	if l.Driver == DriverS3 {
		if l.Path == "" {
			return "s3://" + l.Bucket
		}
		return "s3://" + l.Bucket + "/" + l.Path
	}
	return l.Path
}

// Open returns a Store rooted at loc. cfg is used only for S3 locations.
func Open(ctx context.Context, loc Location, cfg S3Config) (Store, error) {
	switch loc.Driver {
	case DriverFilesystem:
		return NewFilesystem(loc.Path)
	case DriverS3:
		cfg.Bucket = loc.Bucket
		cfg.Prefix = loc.Path
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("blob: unknown driver %q", loc.Driver)
	}
}

// ReadAll reads the whole blob at key.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", key, err)
	}
	return data, nil
}

// Copy copies the blob at key from src to dst under the same key.
func Copy(ctx context.Context, dst, src Store, key string) error {
	rc, err := src.Get(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	return dst.Put(ctx, key, rc)
}

func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("blob: empty key")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("blob: invalid absolute key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("blob: key %q escapes the store root", key)
		}
	}
	return key, nil
}
