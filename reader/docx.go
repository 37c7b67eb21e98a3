package reader

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/asknote/asknote/chunker"
)

// DOCXReader renders Word documents as markdown: heading-styled
// paragraphs become # headings, tables become pipe rows. Embedded
// images are ignored.
type DOCXReader struct{}

func (r *DOCXReader) Extensions() []string { return []string{"docx"} }

func (r *DOCXReader) Read(_ context.Context, path string) (*Result, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening DOCX: %w", err)
	}
	defer zr.Close()

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, fmt.Errorf("word/document.xml not found in %s", path)
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, fmt.Errorf("opening document.xml: %w", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}

	text, err := docxToMarkdown(data)
	if err != nil {
		return nil, fmt.Errorf("parsing DOCX XML: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no text found in %s", path)
	}

	return &Result{
		Text:        text,
		ContentType: chunker.ContentTypeMarkdown,
	}, nil
}

// Simplified WordprocessingML structures. Only paragraph text, heading
// styles, and tables are read.
type docxDocument struct {
	Body docxBody `xml:"body"`
}

type docxBody struct {
	Paras  []docxPara  `xml:"p"`
	Tables []docxTable `xml:"tbl"`
}

type docxPara struct {
	Style docxStyle `xml:"pPr>pStyle"`
	Runs  []docxRun `xml:"r"`
}

type docxStyle struct {
	Val string `xml:"val,attr"`
}

type docxRun struct {
	Text []string `xml:"t"`
}

type docxTable struct {
	Rows []docxRow `xml:"tr"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paras []docxPara `xml:"p"`
}

func docxToMarkdown(data []byte) (string, error) {
	var doc docxDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, para := range doc.Body.Paras {
		text := paraText(para)
		if text == "" {
			continue
		}
		if level := headingLevel(para.Style.Val); level > 0 {
			sb.WriteString(strings.Repeat("#", level) + " " + text + "\n\n")
		} else {
			sb.WriteString(text + "\n\n")
		}
	}

	for _, tbl := range doc.Body.Tables {
		for _, row := range tbl.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				var parts []string
				for _, p := range cell.Paras {
					if t := paraText(p); t != "" {
						parts = append(parts, t)
					}
				}
				cells = append(cells, strings.Join(parts, " "))
			}
			sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		}
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

func paraText(para docxPara) string {
	var b strings.Builder
	for _, run := range para.Runs {
		for _, t := range run.Text {
			b.WriteString(t)
		}
	}
	return strings.TrimSpace(b.String())
}

// headingLevel maps Word paragraph styles to markdown heading depth.
// Returns 0 for body text.
func headingLevel(style string) int {
	lower := strings.ToLower(style)
	if strings.HasPrefix(lower, "title") {
		return 1
	}
	if !strings.HasPrefix(lower, "heading") {
		return 0
	}
	for i := 1; i <= 6; i++ {
		if strings.HasSuffix(lower, fmt.Sprintf("%d", i)) {
			return i
		}
	}
	return 1
}
