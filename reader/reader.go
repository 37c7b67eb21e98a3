// Package reader extracts plain text from source files so the chunker can
// work on a single representation. Each Reader handles one family of
// formats; the Registry maps file extensions to readers.
package reader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/asknote/asknote/chunker"
)

// ErrUnsupportedFormat is returned for file extensions no reader handles.
var ErrUnsupportedFormat = errors.New("reader: unsupported format")

// Result is the extracted text plus the content type hint for chunking.
type Result struct {
	Text        string
	ContentType chunker.ContentType
	Title       string
}

// Reader extracts text from one family of file formats.
type Reader interface {
	Read(ctx context.Context, path string) (*Result, error)
	Extensions() []string
}

// Registry maps file extensions to readers.
type Registry struct {
	readers map[string]Reader
}

// NewRegistry returns a Registry with the built-in readers registered.
func NewRegistry() *Registry {
	r := &Registry{readers: make(map[string]Reader)}
	for _, rd := range []Reader{&TextReader{}, &PDFReader{}, &XLSXReader{}, &DOCXReader{}} {
		for _, ext := range rd.Extensions() {
			r.readers[ext] = rd
		}
	}
	return r
}

// Register adds or replaces the reader for the given extension (without
// the leading dot).
func (r *Registry) Register(ext string, rd Reader) {
	r.readers[strings.ToLower(ext)] = rd
}

// Read extracts text from the file at path using the reader registered
// for its extension.
func (r *Registry) Read(ctx context.Context, path string) (*Result, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	rd, ok := r.readers[ext]
	if !ok {
		return nil, fmt.Errorf("%w: .%s", ErrUnsupportedFormat, ext)
	}
	res, err := rd.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	if res.Title == "" {
		res.Title = filepath.Base(path)
	}
	return res, nil
}

// Supported reports whether a reader is registered for the path's
// extension.
func (r *Registry) Supported(path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	_, ok := r.readers[ext]
	return ok
}
