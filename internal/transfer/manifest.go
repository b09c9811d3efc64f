package transfer

import "fmt"

// ChunkRef locates one uploaded chunk.
type ChunkRef struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// Manifest lists the chunks of an upload in index order. Concatenating the
// chunks in this order reproduces the original bytes.
type Manifest []ChunkRef

// ManifestFromURLs builds a manifest from URLs already in index order.
func ManifestFromURLs(urls []string) Manifest {
	m := make(Manifest, len(urls))
	for i, u := range urls {
		m[i] = ChunkRef{Index: i, URL: u}
	}
	return m
}

// URLs returns the chunk URLs in index order.
func (m Manifest) URLs() []string {
	out := make([]string, len(m))
	for i, c := range m {
		out[i] = c.URL
	}
	return out
}

// Validate checks that indices run 0..N-1 in order and every chunk has a URL.
func (m Manifest) Validate() error {
	if len(m) == 0 {
		return ErrEmptyManifest
	}
	for i, c := range m {
		if c.Index != i {
			return fmt.Errorf("%w: position %d holds index %d", ErrInvalidManifest, i, c.Index)
		}
		if c.URL == "" {
			return fmt.Errorf("%w: chunk %d has no url", ErrInvalidManifest, i)
		}
	}
	return nil
}
