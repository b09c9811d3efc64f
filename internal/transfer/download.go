package transfer

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Download fetches every URL concurrently and concatenates the results in
// the order given. The reconstructed content is registered in the engine's
// object registry; the caller must Release it when no longer displayed.
func (e *Engine) Download(ctx context.Context, urls []string, contentType string, onProgress ProgressFunc) (*Object, error) {
	if len(urls) == 0 {
		return nil, ErrEmptyManifest
	}
	logger := e.opts.Logger.WithField("chunks", len(urls))
	start := time.Now()

	var (
		data []byte
		err  error
	)
	if len(urls) == 1 {
		data, err = e.fetchChunk(ctx, urls[0], 0)
		if err == nil && onProgress != nil {
			onProgress(100)
		}
	} else {
		data, err = e.fetchAll(ctx, urls, onProgress)
	}
	if err != nil {
		logger.WithError(err).Warn("download failed")
		return nil, err
	}

	obj := e.objects.Put(contentType, data)
	logger.WithFields(log.Fields{
		"bytes":   len(data),
		"object":  obj.URL,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("download complete")
	return obj, nil
}

// DownloadManifest validates m and downloads it.
func (e *Engine) DownloadManifest(ctx context.Context, m Manifest, contentType string, onProgress ProgressFunc) (*Object, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return e.Download(ctx, m.URLs(), contentType, onProgress)
}

func (e *Engine) fetchAll(ctx context.Context, urls []string, onProgress ProgressFunc) ([]byte, error) {
	parts := make([][]byte, len(urls))

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			b, err := e.fetchChunk(gctx, u, i)
			if err != nil {
				return err
			}
			parts[i] = b

			mu.Lock()
			done++
			p := percent(done, len(urls))
			if onProgress != nil {
				onProgress(p)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Reassemble strictly by index; fetch completion order is irrelevant.
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

func (e *Engine) fetchChunk(ctx context.Context, url string, index int) ([]byte, error) {
	b, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, &ChunkError{Op: "download", Index: index, Attempts: 1, Err: err}
	}
	return b, nil
}
