package upload

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// File is the source of an upload. Parts are read concurrently through ReadAt,
// so implementations must allow parallel ReadAt calls (os.File does).
type File interface {
	io.ReaderAt
	Name() string
	Size() int64
	// Type is the MIME type sent to the service, e.g. "image/png".
	Type() string
}

// LocalFile is a File backed by a file on disk.
type LocalFile struct {
	f        *os.File
	name     string
	size     int64
	mimeType string
}

// OpenFile opens path for upload and detects its MIME type from the content.
// The caller must Close the returned file.
func OpenFile(path string) (*LocalFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to detect content type: %w", err)
	}

	return &LocalFile{
		f:        f,
		name:     filepath.Base(path),
		size:     info.Size(),
		mimeType: mediaType(mtype.String()),
	}, nil
}

func (l *LocalFile) ReadAt(p []byte, off int64) (int, error) { return l.f.ReadAt(p, off) }
func (l *LocalFile) Name() string                            { return l.name }
func (l *LocalFile) Size() int64                             { return l.size }
func (l *LocalFile) Type() string                            { return l.mimeType }

// Close closes the underlying file.
func (l *LocalFile) Close() error { return l.f.Close() }

// BytesFile is an in-memory File.
type BytesFile struct {
	*bytes.Reader
	name     string
	mimeType string
}

// NewBytesFile wraps data as a File. An empty mimeType is detected from data.
func NewBytesFile(name string, data []byte, mimeType string) *BytesFile {
	if mimeType == "" {
		mimeType = mediaType(mimetype.Detect(data).String())
	}
	return &BytesFile{Reader: bytes.NewReader(data), name: name, mimeType: mimeType}
}

func (b *BytesFile) Name() string { return b.name }
func (b *BytesFile) Type() string { return b.mimeType }

// Extension returns the text after the last '.' in name, or the whole name
// when it has no dot.
func Extension(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// mediaType drops parameters such as "; charset=utf-8".
func mediaType(s string) string {
	base, _, _ := strings.Cut(s, ";")
	return strings.TrimSpace(base)
}
