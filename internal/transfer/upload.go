package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// uploadTask is the in-memory state of one chunked upload. Each index is
// pending in queue, in flight in a worker, or completed in urls.
type uploadTask struct {
	file      File
	chunkSize int64
	total     int
	queue     chan int
	urls      []string

	mu        sync.Mutex
	attempts  []int
	completed int
}

func newUploadTask(file File, chunkSize int64) *uploadTask {
	// An empty file is still one (empty) chunk.
	total := max(int((file.Size+chunkSize-1)/chunkSize), 1)
	queue := make(chan int, total)
	for i := 0; i < total; i++ {
		queue <- i
	}
	close(queue)
	return &uploadTask{
		file:      file,
		chunkSize: chunkSize,
		total:     total,
		queue:     queue,
		urls:      make([]string, total),
		attempts:  make([]int, total),
	}
}

// chunk reads the bytes of chunk index.
func (t *uploadTask) chunk(index int) ([]byte, error) {
	off := int64(index) * t.chunkSize
	n := min(t.chunkSize, t.file.Size-off)
	buf := make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(t.file.Data, off, n), buf); err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	return buf, nil
}

// complete records the URL of a chunk and returns the new progress percentage.
func (t *uploadTask) complete(index int, url string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.urls[index] = url
	t.completed++
	return percent(t.completed, t.total)
}

// Upload stores file on the blob host and returns its manifest. Files no
// larger than one chunk are uploaded as a single unit. Any chunk that
// exhausts its retry budget fails the whole upload.
func (e *Engine) Upload(ctx context.Context, file File, onProgress ProgressFunc) (Manifest, error) {
	if file.Data == nil {
		return nil, fmt.Errorf("upload %s: no data", file.Name)
	}
	logger := e.opts.Logger.WithFields(log.Fields{"file": file.Name, "size": file.Size})
	start := time.Now()

	var (
		manifest Manifest
		err      error
	)
	if file.Size <= e.opts.ChunkSize {
		manifest, err = e.uploadSingle(ctx, file, onProgress)
	} else {
		manifest, err = e.uploadChunked(ctx, file, onProgress, logger)
	}
	if err != nil {
		logger.WithError(err).Warn("upload failed")
		return nil, err
	}

	logger.WithFields(log.Fields{
		"chunks":  len(manifest),
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("upload complete")
	e.audit(ctx, manifest.URLs(), file, logger)
	return manifest, nil
}

func (e *Engine) uploadSingle(ctx context.Context, file File, onProgress ProgressFunc) (Manifest, error) {
	task := newUploadTask(file, max(file.Size, 1))
	url, err := e.uploadChunk(ctx, task, 0)
	if err != nil {
		return nil, err
	}
	p := task.complete(0, url)
	if onProgress != nil {
		onProgress(p)
	}
	return ManifestFromURLs(task.urls), nil
}

func (e *Engine) uploadChunked(ctx context.Context, file File, onProgress ProgressFunc, logger log.FieldLogger) (Manifest, error) {
	task := newUploadTask(file, e.opts.ChunkSize)
	workers := min(e.opts.Concurrency, task.total)
	logger.WithFields(log.Fields{"chunks": task.total, "workers": workers}).Debug("starting chunked upload")

	var progressMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for index := range task.queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				url, err := e.uploadChunk(gctx, task, index)
				if err != nil {
					return err
				}
				progressMu.Lock()
				p := task.complete(index, url)
				if onProgress != nil {
					onProgress(p)
				}
				progressMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ManifestFromURLs(task.urls), nil
}

// uploadChunk uploads one chunk, retrying with backoff up to MaxRetries attempts.
func (e *Engine) uploadChunk(ctx context.Context, task *uploadTask, index int) (string, error) {
	data, err := task.chunk(index)
	if err != nil {
		return "", err
	}

	opts := UploadOptions{UseProxy: e.opts.UseProxy}
	var (
		url     string
		lastErr error
	)
	err = retry.Do(ctx, e.retryPolicy(task, index, &lastErr), func(ctx context.Context) error {
		task.mu.Lock()
		task.attempts[index]++
		task.mu.Unlock()

		var err error
		url, err = e.uploader.Upload(ctx, data, task.file.ContentType, opts)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.RetryableError(err)
	})
	switch {
	case err == nil:
		return url, nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	}

	task.mu.Lock()
	attempts := task.attempts[index]
	task.mu.Unlock()
	return "", &ChunkError{Op: "upload", Index: index, Attempts: attempts, Err: lastErr}
}

// retryPolicy allows MaxRetries attempts of one chunk, spaced by the
// configured Backoff.
func (e *Engine) retryPolicy(task *uploadTask, index int, lastErr *error) retry.Backoff {
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		task.mu.Lock()
		attempt := task.attempts[index]
		task.mu.Unlock()
		delay := e.opts.Backoff(attempt)
		e.opts.Logger.WithFields(log.Fields{
			"chunk":   index,
			"attempt": attempt,
			"delay":   delay,
		}).WithError(*lastErr).Warn("chunk upload failed, retrying")
		return delay, false
	})
	return retry.WithMaxRetries(uint64(e.opts.MaxRetries-1), next)
}

// audit hands the completed upload to the auditor without waiting for it.
func (e *Engine) audit(ctx context.Context, urls []string, file File, logger log.FieldLogger) {
	if e.auditor == nil {
		return
	}
	go func() {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
		defer cancel()
		if err := e.auditor.AuditUpload(actx, urls, file.Name, file.Size); err != nil {
			logger.WithError(err).Warn("upload audit failed")
		}
	}()
}
