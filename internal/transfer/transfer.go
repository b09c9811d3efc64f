// Package transfer moves files larger than the blob host's per-request
// ceiling by splitting them into fixed-size chunks, uploading the chunks
// concurrently, and reassembling them in index order on download.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// Defaults applied by NewEngine when an option is left zero.
const (
	DefaultChunkSize   = 5 * 1024 * 1024
	DefaultConcurrency = 6
	DefaultMaxRetries  = 3
	auditTimeout       = 30 * time.Second
)

var (
	// ErrRetryBudgetExceeded marks an upload aborted because one chunk kept failing.
	ErrRetryBudgetExceeded = errors.New("exceeded retry budget")
	// ErrChunkDownload marks a download aborted because one chunk could not be fetched.
	ErrChunkDownload = errors.New("chunk download failed")
	// ErrInvalidManifest is returned for manifests with gaps, duplicates or empty URLs.
	ErrInvalidManifest = errors.New("invalid manifest")
	// ErrEmptyManifest is returned when there is nothing to download.
	ErrEmptyManifest = errors.New("empty manifest")
)

// UploadOptions is passed through to the blob-upload primitive.
type UploadOptions struct {
	UseProxy bool
}

// Uploader stores one blob and returns a publicly fetchable URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string, opts UploadOptions) (string, error)
}

// Fetcher retrieves the bytes behind a URL returned by an Uploader.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Auditor records completed uploads.
type Auditor interface {
	AuditUpload(ctx context.Context, urls []string, filename string, size int64) error
}

// ProgressFunc receives a rounded completion percentage after every chunk.
type ProgressFunc func(percent int)

// ChunkError reports the chunk that made an operation fail.
type ChunkError struct {
	Op       string // "upload" or "download"
	Index    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	if e.Op == "download" {
		return fmt.Sprintf("failed to download chunk %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("chunk %d exceeded retry budget after %d attempts: %v", e.Index, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() []error {
	if e.Op == "download" {
		return []error{ErrChunkDownload, e.Err}
	}
	return []error{ErrRetryBudgetExceeded, e.Err}
}

// File is the source of an upload.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Data        io.ReaderAt
}

// NewFile wraps an in-memory payload.
func NewFile(name, contentType string, data []byte) File {
	return File{Name: name, ContentType: contentType, Size: int64(len(data)), Data: bytes.NewReader(data)}
}

// Options tunes an Engine.
type Options struct {
	ChunkSize   int64
	Concurrency int
	// MaxRetries is the number of attempts per chunk, including the first.
	MaxRetries int
	UseProxy   bool
	Backoff    func(attempt int) time.Duration
	Logger     log.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Backoff == nil {
		o.Backoff = Backoff
	}
	if o.Logger == nil {
		o.Logger = log.StandardLogger()
	}
	return o
}

// Backoff returns the delay before retry number attempt (1-based): 1s, 2s, 4s...
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Second << (attempt - 1)
}

// Engine runs uploads and downloads against a blob host.
type Engine struct {
	uploader Uploader
	fetcher  Fetcher
	auditor  Auditor
	objects  *Objects
	opts     Options
}

// NewEngine creates an engine. auditor may be nil.
func NewEngine(uploader Uploader, fetcher Fetcher, auditor Auditor, opts Options) *Engine {
	return &Engine{
		uploader: uploader,
		fetcher:  fetcher,
		auditor:  auditor,
		objects:  NewObjects(),
		opts:     opts.withDefaults(),
	}
}

// Objects returns the registry holding reconstructed downloads.
func (e *Engine) Objects() *Objects {
	return e.objects
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// percent rounds done/total to the nearest whole percent.
func percent(done, total int) int {
	if total == 0 {
		return 100
	}
	return (done*100 + total/2) / total
}
