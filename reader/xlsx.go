package reader

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/asknote/asknote/chunker"
)

// XLSXReader renders spreadsheets as markdown-style tables, one section
// per sheet.
type XLSXReader struct{}

func (r *XLSXReader) Extensions() []string { return []string{"xlsx", "xlsm"} }

func (r *XLSXReader) Read(_ context.Context, path string) (*Result, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		fmt.Fprintf(&sb, "# %s\n\n", sheet)
		for _, row := range rows {
			sb.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		sb.WriteString("\n")
	}

	if sb.Len() == 0 {
		return nil, fmt.Errorf("no data found in %s", path)
	}
	return &Result{
		Text:        sb.String(),
		ContentType: chunker.ContentTypeMarkdown,
	}, nil
}
