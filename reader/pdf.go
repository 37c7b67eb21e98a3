package reader

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/asknote/asknote/chunker"
)

// PDFReader extracts plain text from PDF files page by page.
type PDFReader struct{}

func (r *PDFReader) Extensions() []string { return []string{"pdf"} }

func (r *PDFReader) Read(_ context.Context, path string) (*Result, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract.
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}

	return &Result{
		Text:        sb.String(),
		ContentType: chunker.ContentTypePlain,
	}, nil
}
