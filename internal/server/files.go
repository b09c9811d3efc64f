package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/google/uuid"
)

// ErrBlobTooLarge is returned when a blob exceeds the per-request ceiling.
var ErrBlobTooLarge = errors.New("blob too large")

// ErrBlobNotFound is returned for unknown blob ids.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore manages uploaded blobs on disk with in-memory metadata.
// The size ceiling is what forces clients to chunk large media.
type BlobStore struct {
	baseDir     string
	maxBlobSize int64

	mu    sync.RWMutex
	blobs map[string]*protocol.BlobInfo
}

// NewBlobStore creates a BlobStore backed by the given directory.
func NewBlobStore(baseDir string, maxBlobSize int64) (*BlobStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create blob store dir: %w", err)
	}
	if maxBlobSize <= 0 {
		maxBlobSize = 8 * 1024 * 1024
	}
	return &BlobStore{
		baseDir:     baseDir,
		maxBlobSize: maxBlobSize,
		blobs:       make(map[string]*protocol.BlobInfo),
	}, nil
}

// MaxBlobSize returns the per-blob size ceiling.
func (bs *BlobStore) MaxBlobSize() int64 { return bs.maxBlobSize }

// Store saves a blob to disk and records metadata. urlPrefix is joined with
// the generated id to form the public URL.
func (bs *BlobStore) Store(contentType, urlPrefix string, reader io.Reader) (*protocol.BlobInfo, error) {
	id := uuid.New().String()
	diskPath := filepath.Join(bs.baseDir, id)
	f, err := os.Create(diskPath)
	if err != nil {
		return nil, fmt.Errorf("create blob: %w", err)
	}
	defer f.Close()

	written, err := io.Copy(f, io.LimitReader(reader, bs.maxBlobSize+1))
	if err != nil {
		os.Remove(diskPath)
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if written > bs.maxBlobSize {
		os.Remove(diskPath)
		return nil, fmt.Errorf("%w: exceeded %d bytes", ErrBlobTooLarge, bs.maxBlobSize)
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info := &protocol.BlobInfo{
		ID:          id,
		Size:        written,
		ContentType: contentType,
		Timestamp:   time.Now().UTC(),
		URL:         urlPrefix + id,
	}

	bs.mu.Lock()
	bs.blobs[id] = info
	bs.mu.Unlock()

	return info, nil
}

// Get returns metadata for a blob by ID.
func (bs *BlobStore) Get(id string) (*protocol.BlobInfo, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	info, ok := bs.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, id)
	}
	return info, nil
}

// Path returns the on-disk path for a blob by ID.
func (bs *BlobStore) Path(id string) (string, error) {
	if _, err := bs.Get(id); err != nil {
		return "", err
	}
	return filepath.Join(bs.baseDir, id), nil
}

// Count returns the number of stored blobs.
func (bs *BlobStore) Count() int {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return len(bs.blobs)
}
