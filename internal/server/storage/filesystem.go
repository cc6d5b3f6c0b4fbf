package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Suffix marks an encrypted blob; partSuffix marks one still being written.
const (
	Suffix     = ".enc"
	partSuffix = ".part"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrInvalidRef   = errors.New("invalid storage reference")
)

// Store defines the interface for encrypted blob backends.
type Store interface {
	Save(ctx context.Context, ref string, data io.Reader) (int64, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Size(ctx context.Context, ref string) (int64, error)
	Delete(ctx context.Context, ref string) error
	Init(ctx context.Context) error
}

// FileSystemStore stores blobs as flat files under one directory.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// Init creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) Init(_ context.Context) error {
	if err := os.MkdirAll(fs.basePath, 0o700); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Save streams data into ref. The blob only appears under its final name
// once fully written; a failed or cancelled write leaves nothing behind.
func (fs *FileSystemStore) Save(ctx context.Context, ref string, data io.Reader) (int64, error) {
	final, err := fs.filePath(ref)
	if err != nil {
		return 0, err
	}
	part := final + partSuffix

	file, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", part, err)
	}

	n, err := io.Copy(file, &contextReader{ctx: ctx, r: data})
	if err == nil {
		err = file.Sync()
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(part, final); err != nil {
		os.Remove(part)
		return 0, fmt.Errorf("failed to finalize file %s: %w", final, err)
	}
	return n, nil
}

// Open returns the blob for reading. The caller must close it.
func (fs *FileSystemStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	path, err := fs.filePath(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Size returns the stored byte length of a blob.
func (fs *FileSystemStore) Size(_ context.Context, ref string) (int64, error) {
	path, err := fs.filePath(ref)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
		}
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}
	return info.Size(), nil
}

// Delete removes a blob. A missing blob returns ErrBlobNotFound.
func (fs *FileSystemStore) Delete(_ context.Context, ref string) error {
	path, err := fs.filePath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
		}
		return fmt.Errorf("failed to delete file %s: %w", path, err)
	}
	return nil
}

// SweepPartials removes in-progress files last modified before cutoff.
// These are left only by a process that died mid-upload.
func (fs *FileSystemStore) SweepPartials(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return 0, fmt.Errorf("failed to list storage directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), partSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(fs.basePath, e.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

func (fs *FileSystemStore) filePath(ref string) (string, error) {
	if err := ValidateRef(ref); err != nil {
		return "", err
	}
	return filepath.Join(fs.basePath, ref), nil
}

// ValidateRef accepts only flat blob names carrying the encrypted suffix.
func ValidateRef(ref string) error {
	if ref == "" || ref != filepath.Base(ref) || strings.ContainsAny(ref, `/\`) ||
		strings.HasPrefix(ref, ".") || !strings.HasSuffix(ref, Suffix) {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}

// contextReader stops a copy once the request that feeds it is gone.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
