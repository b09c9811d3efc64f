package transfer

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
)

// OpenFile opens a file on disk as an upload source. The returned closer
// must be closed once the upload finishes.
func OpenFile(path, contentType string) (File, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return File{}, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return File{}, nil, fmt.Errorf("%s is a directory", path)
	}
	if contentType == "" {
		contentType = ContentTypeFor(path)
	}
	return File{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Size:        info.Size(),
		Data:        f,
	}, f, nil
}

// ContentTypeFor guesses a MIME type from the file extension.
func ContentTypeFor(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
