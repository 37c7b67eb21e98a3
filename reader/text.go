package reader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/asknote/asknote/chunker"
)

// TextReader handles plain text, markdown, and HTML files, which need no
// extraction beyond reading the bytes. The content type comes from the
// extension so the chunker picks the right boundary strategy.
type TextReader struct{}

func (r *TextReader) Extensions() []string {
	return []string{"txt", "text", "md", "markdown", "mdown", "mkd", "html", "htm", "xhtml"}
}

func (r *TextReader) Read(_ context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	ct, ok := chunker.DetectFromPath(path)
	if !ok {
		ct = chunker.ContentTypeUnknown
	}
	return &Result{
		Text:        string(data),
		ContentType: ct,
		Title:       filepath.Base(path),
	}, nil
}
