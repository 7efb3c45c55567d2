package extract

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DOCXExtractor reads word/document.xml out of the OOXML zip container
// and concatenates paragraph and table text in document order.
type DOCXExtractor struct{}

func (e *DOCXExtractor) SupportedExtensions() []string { return []string{"docx"} }

func (e *DOCXExtractor) Extract(ctx context.Context, path string) (string, map[string]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", nil, fmt.Errorf("extract: opening DOCX %s: %w", path, err)
	}
	defer r.Close()

	var docFile *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", nil, fmt.Errorf("extract: word/document.xml not found in %s", path)
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", nil, fmt.Errorf("extract: opening document.xml: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", nil, fmt.Errorf("extract: reading document.xml: %w", err)
	}

	text, paraCount, tableCount, err := parseDocxXML(data)
	if err != nil {
		return "", nil, fmt.Errorf("extract: parsing document.xml: %w", err)
	}

	return text, map[string]string{
		"paragraph_count": fmt.Sprintf("%d", paraCount),
		"table_count":     fmt.Sprintf("%d", tableCount),
	}, nil
}

type docxBody struct {
	XMLName xml.Name    `xml:"body"`
	Paras   []docxPara  `xml:"p"`
	Tables  []docxTable `xml:"tbl"`
}

type docxDocument struct {
	XMLName xml.Name `xml:"document"`
	Body    docxBody `xml:"body"`
}

type docxPara struct {
	XMLName xml.Name    `xml:"p"`
	PPr     *docxParaPr `xml:"pPr"`
	Runs    []docxRun   `xml:"r"`
}

type docxParaPr struct {
	PStyle *docxPStyle `xml:"pStyle"`
}

type docxPStyle struct {
	Val string `xml:"val,attr"`
}

type docxRun struct {
	Text []docxText `xml:"t"`
}

type docxText struct {
	Content string `xml:",chardata"`
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

// parseDocxXML returns flattened text with one paragraph per line and
// tables rendered as `| cell | cell |` rows, plus paragraph/table counts.
func parseDocxXML(data []byte) (string, int, int, error) {
	var doc docxDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return "", 0, 0, err
	}

	var out strings.Builder
	paraCount := 0
	for _, para := range doc.Body.Paras {
		text := extractParaText(para)
		if text == "" {
			continue
		}
		if isHeadingStyle(para) {
			out.WriteString("\n## " + text + "\n")
		} else {
			out.WriteString(text + "\n")
		}
		paraCount++
	}

	for _, tbl := range doc.Body.Tables {
		out.WriteString("\n")
		for _, row := range tbl.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				var cellText strings.Builder
				for _, p := range cell.Paras {
					if cellText.Len() > 0 {
						cellText.WriteString(" ")
					}
					cellText.WriteString(extractParaText(p))
				}
				cells = append(cells, cellText.String())
			}
			out.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		}
	}

	return strings.TrimSpace(out.String()), paraCount, len(doc.Body.Tables), nil
}

func isHeadingStyle(para docxPara) bool {
	if para.PPr == nil || para.PPr.PStyle == nil {
		return false
	}
	lower := strings.ToLower(para.PPr.PStyle.Val)
	return strings.HasPrefix(lower, "heading") || strings.HasPrefix(lower, "title")
}

func extractParaText(para docxPara) string {
	var b strings.Builder
	for _, run := range para.Runs {
		for _, t := range run.Text {
			b.WriteString(t.Content)
		}
	}
	return b.String()
}
