package extract

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXExtractor renders each sheet as a block of `| cell | cell |` rows
// prefixed with the sheet name.
type XLSXExtractor struct{}

func (e *XLSXExtractor) SupportedExtensions() []string { return []string{"xlsx", "xls"} }

func (e *XLSXExtractor) Extract(ctx context.Context, path string) (string, map[string]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("extract: opening XLSX %s: %w", path, err)
	}
	defer f.Close()

	var out strings.Builder
	sheetCount := 0
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString(fmt.Sprintf("[Sheet: %s]\n", sheet))
		for _, row := range rows {
			out.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		sheetCount++
	}

	if sheetCount == 0 {
		return "", nil, fmt.Errorf("extract: no data found in XLSX %s", path)
	}

	return out.String(), map[string]string{"sheet_count": strconv.Itoa(sheetCount)}, nil
}
