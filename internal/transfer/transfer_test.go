package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

// memHost is an in-memory blob host. Chunks are identified by their first
// byte so tests can script failures per chunk.
type memHost struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	failures map[byte]int
	calls    map[byte]int
	fetchErr map[string]error
	delay    func(key byte) time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newMemHost() *memHost {
	return &memHost{
		blobs:    make(map[string][]byte),
		failures: make(map[byte]int),
		calls:    make(map[byte]int),
		fetchErr: make(map[string]error),
	}
}

func (h *memHost) Upload(ctx context.Context, data []byte, contentType string, opts UploadOptions) (string, error) {
	n := h.inflight.Add(1)
	defer h.inflight.Add(-1)
	for {
		cur := h.maxInflight.Load()
		if n <= cur || h.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	var key byte
	if len(data) > 0 {
		key = data[0]
	}
	if h.delay != nil {
		time.Sleep(h.delay(key))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[key]++
	if h.failures[key] > 0 {
		h.failures[key]--
		return "", fmt.Errorf("transient failure for %q", key)
	}
	url := fmt.Sprintf("mem://blob/%d", len(h.blobs))
	h.blobs[url] = append([]byte(nil), data...)
	return url, nil
}

func (h *memHost) Fetch(ctx context.Context, url string) ([]byte, error) {
	h.mu.Lock()
	err := h.fetchErr[url]
	b, ok := h.blobs[url]
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("not found: %s", url)
	}
	// Later chunks complete first.
	if len(b) > 0 {
		time.Sleep(time.Duration(10-min(int(b[0]-'a'), 10)) * time.Millisecond)
	}
	return b, nil
}

// patterned returns size bytes where chunk i (of chunkSize) is filled with 'a'+i.
func patterned(size, chunkSize int) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = byte('a' + i/chunkSize)
	}
	return out
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func noBackoff(int) time.Duration { return 0 }

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(1))
	assert.Equal(t, 2*time.Second, Backoff(2))
	assert.Equal(t, 4*time.Second, Backoff(3))
	assert.Equal(t, time.Second, Backoff(0))
}

func TestUpload_ThirteenMiBRoundTrip(t *testing.T) {
	host := newMemHost()
	// Earlier chunks finish last, so completion order is reversed.
	host.delay = func(key byte) time.Duration { return time.Duration(3-int(key-'a')) * 5 * time.Millisecond }
	e := NewEngine(host, host, nil, Options{ChunkSize: 5 * mib, Logger: quietLogger()})

	data := patterned(13*mib, 5*mib)
	m, err := e.Upload(context.Background(), NewFile("clip.mp4", "video/mp4", data), nil)
	require.NoError(t, err)
	require.Len(t, m, 3)
	require.NoError(t, m.Validate())

	sizes := make([]int, len(m))
	for i, c := range m {
		assert.Equal(t, i, c.Index)
		sizes[i] = len(host.blobs[c.URL])
	}
	assert.Equal(t, []int{5 * mib, 5 * mib, 3 * mib}, sizes)

	obj, err := e.DownloadManifest(context.Background(), m, "video/mp4", nil)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, obj.Data), "reconstructed bytes differ")
	assert.Equal(t, "video/mp4", obj.ContentType)
}

func TestUpload_SingleChunkFastPath(t *testing.T) {
	host := newMemHost()
	e := NewEngine(host, host, nil, Options{ChunkSize: 64, Logger: quietLogger()})

	var progress []int
	m, err := e.Upload(context.Background(), NewFile("a.jpg", "image/jpeg", patterned(64, 64)), func(p int) { progress = append(progress, p) })
	require.NoError(t, err)
	require.Len(t, m, 1)
	assert.Len(t, host.blobs, 1)
	assert.Equal(t, 1, host.calls['a'])
	assert.Equal(t, []int{100}, progress)

	obj, err := e.Download(context.Background(), m.URLs(), "image/jpeg", nil)
	require.NoError(t, err)
	assert.Len(t, obj.Data, 64)
}

func TestUpload_RetrySucceedsOnLastAttempt(t *testing.T) {
	host := newMemHost()
	host.failures['b'] = DefaultMaxRetries - 1

	var mu sync.Mutex
	var delays []int
	e := NewEngine(host, host, nil, Options{
		ChunkSize: 10,
		Logger:    quietLogger(),
		Backoff: func(attempt int) time.Duration {
			mu.Lock()
			delays = append(delays, attempt)
			mu.Unlock()
			return 0
		},
	})

	data := patterned(30, 10)
	m, err := e.Upload(context.Background(), NewFile("f", "", data), nil)
	require.NoError(t, err)
	require.Len(t, m, 3)
	assert.Equal(t, data[10:20], host.blobs[m[1].URL])
	assert.Equal(t, DefaultMaxRetries, host.calls['b'])
	assert.Equal(t, []int{1, 2}, delays)
}

func TestUpload_RetryBudgetExceeded(t *testing.T) {
	host := newMemHost()
	host.failures['b'] = DefaultMaxRetries
	e := NewEngine(host, host, nil, Options{ChunkSize: 10, Backoff: noBackoff, Logger: quietLogger()})

	m, err := e.Upload(context.Background(), NewFile("f", "", patterned(30, 10)), nil)
	require.Error(t, err)
	assert.Nil(t, m, "no partial manifest")
	assert.ErrorIs(t, err, ErrRetryBudgetExceeded)

	var ce *ChunkError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Index)
	assert.Equal(t, DefaultMaxRetries, ce.Attempts)
	assert.Contains(t, err.Error(), "chunk 1 exceeded retry budget")
}

func TestUpload_ChunkErrorCountsAttempts(t *testing.T) {
	host := newMemHost()
	host.failures['a'] = 10
	e := NewEngine(host, host, nil, Options{ChunkSize: 10, MaxRetries: 2, Backoff: noBackoff, Logger: quietLogger()})

	_, err := e.Upload(context.Background(), NewFile("f", "", patterned(10, 10)), nil)
	var ce *ChunkError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Attempts)
	assert.Equal(t, 2, host.calls['a'])
}

func TestUpload_CancelDuringBackoff(t *testing.T) {
	host := newMemHost()
	host.failures['a'] = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := NewEngine(host, host, nil, Options{
		ChunkSize: 10,
		Logger:    quietLogger(),
		Backoff: func(int) time.Duration {
			cancel()
			return time.Hour
		},
	})

	_, err := e.Upload(ctx, NewFile("f", "", patterned(10, 10)), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRetryBudgetExceeded)
	assert.Equal(t, 1, host.calls['a'])
}

func TestUpload_ConcurrencyBound(t *testing.T) {
	tests := []struct {
		name        string
		chunks      int
		concurrency int
		want        int32
	}{
		{"more chunks than workers", 20, 4, 4},
		{"fewer chunks than workers", 2, 6, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newMemHost()
			host.delay = func(byte) time.Duration { return 5 * time.Millisecond }
			e := NewEngine(host, host, nil, Options{ChunkSize: 8, Concurrency: tt.concurrency, Logger: quietLogger()})

			m, err := e.Upload(context.Background(), NewFile("f", "", patterned(8*tt.chunks, 8)), nil)
			require.NoError(t, err)
			assert.Len(t, m, tt.chunks)
			assert.LessOrEqual(t, host.maxInflight.Load(), tt.want)
		})
	}
}

func TestUpload_ProgressPerChunk(t *testing.T) {
	host := newMemHost()
	e := NewEngine(host, host, nil, Options{ChunkSize: 4, Concurrency: 2, Logger: quietLogger()})

	var progress []int
	_, err := e.Upload(context.Background(), NewFile("f", "", patterned(12, 4)), func(p int) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, []int{33, 67, 100}, progress)
}

type blockingAuditor struct {
	release chan struct{}
	got     chan []string
	err     error
}

func (a *blockingAuditor) AuditUpload(ctx context.Context, urls []string, filename string, size int64) error {
	<-a.release
	a.got <- urls
	return a.err
}

func TestUpload_AuditDoesNotBlock(t *testing.T) {
	host := newMemHost()
	auditor := &blockingAuditor{release: make(chan struct{}), got: make(chan []string, 1), err: errors.New("audit down")}
	e := NewEngine(host, host, auditor, Options{ChunkSize: 4, Logger: quietLogger()})

	m, err := e.Upload(context.Background(), NewFile("f", "", patterned(8, 4)), nil)
	require.NoError(t, err, "a failing auditor never fails the upload")

	close(auditor.release)
	select {
	case urls := <-auditor.got:
		assert.Equal(t, m.URLs(), urls)
	case <-time.After(2 * time.Second):
		t.Fatal("auditor was never called")
	}
}

func TestDownload_ChunkFailure(t *testing.T) {
	host := newMemHost()
	e := NewEngine(host, host, nil, Options{ChunkSize: 4, Logger: quietLogger()})
	m, err := e.Upload(context.Background(), NewFile("f", "", patterned(12, 4)), nil)
	require.NoError(t, err)

	host.fetchErr[m[1].URL] = errors.New("connection reset")
	obj, err := e.DownloadManifest(context.Background(), m, "", nil)
	require.Error(t, err)
	assert.Nil(t, obj)
	assert.ErrorIs(t, err, ErrChunkDownload)
	assert.Contains(t, err.Error(), "failed to download chunk 1")
	assert.Zero(t, e.Objects().Len())
}

func TestDownload_ProgressAndRelease(t *testing.T) {
	host := newMemHost()
	e := NewEngine(host, host, nil, Options{ChunkSize: 4, Logger: quietLogger()})
	m, err := e.Upload(context.Background(), NewFile("f", "", patterned(16, 4)), nil)
	require.NoError(t, err)

	var progress []int
	obj, err := e.Download(context.Background(), m.URLs(), "application/octet-stream", func(p int) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, []int{25, 50, 75, 100}, progress)

	got, ok := e.Objects().Get(obj.URL)
	require.True(t, ok)
	assert.Same(t, obj, got)

	obj.Release()
	_, ok = e.Objects().Get(obj.URL)
	assert.False(t, ok)
	assert.Nil(t, obj.Data)
	obj.Release()
}

func TestManifestValidate(t *testing.T) {
	assert.ErrorIs(t, Manifest{}.Validate(), ErrEmptyManifest)
	assert.ErrorIs(t, Manifest{{Index: 0, URL: "a"}, {Index: 2, URL: "c"}}.Validate(), ErrInvalidManifest)
	assert.ErrorIs(t, Manifest{{Index: 0, URL: "a"}, {Index: 0, URL: "b"}}.Validate(), ErrInvalidManifest)
	assert.ErrorIs(t, Manifest{{Index: 0, URL: ""}}.Validate(), ErrInvalidManifest)
	assert.NoError(t, ManifestFromURLs([]string{"a", "b"}).Validate())
}

func TestDownload_EmptyManifest(t *testing.T) {
	e := NewEngine(newMemHost(), newMemHost(), nil, Options{Logger: quietLogger()})
	_, err := e.Download(context.Background(), nil, "", nil)
	assert.ErrorIs(t, err, ErrEmptyManifest)
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.png")
	require.NoError(t, os.WriteFile(path, patterned(10, 4), 0o644))

	file, f, err := OpenFile(path, "")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, "clip.png", file.Name)
	assert.Equal(t, "image/png", file.ContentType)
	assert.Equal(t, int64(10), file.Size)

	host := newMemHost()
	e := NewEngine(host, host, nil, Options{ChunkSize: 4, Logger: quietLogger()})
	m, err := e.Upload(context.Background(), file, nil)
	require.NoError(t, err)
	assert.Len(t, m, 3)

	file, g, err := OpenFile(path, "application/x-custom")
	require.NoError(t, err)
	g.Close()
	assert.Equal(t, "application/x-custom", file.ContentType)

	_, _, err = OpenFile(dir, "")
	assert.ErrorContains(t, err, "is a directory")
	_, _, err = OpenFile(filepath.Join(dir, "missing"), "")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/octet-stream", ContentTypeFor("blob"))
	assert.Equal(t, "image/png", ContentTypeFor("a/b.png"))
}
