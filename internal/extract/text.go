package extract

import (
	"context"
	"fmt"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// TextExtractor handles plain text files, tolerating a UTF-8 BOM and
// falling back to CP1252/Latin-1 when the bytes are not valid UTF-8.
type TextExtractor struct{}

func (e *TextExtractor) SupportedExtensions() []string { return []string{"txt", "md", "csv", "log"} }

func (e *TextExtractor) Extract(ctx context.Context, path string) (string, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("extract: reading %s: %w", path, err)
	}
	text, encoding := decodeText(data)
	return text, map[string]string{"encoding": encoding}, nil
}

// decodeText strips a UTF-8 BOM if present, otherwise decodes as UTF-8
// when valid, and falls back to CP1252/Latin-1 otherwise. Returns the
// decoded text and the name of the encoding used.
func decodeText(data []byte) (string, string) {
	bomAware := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	if out, _, err := transform.Bytes(bomAware, data); err == nil && utf8.Valid(out) {
		if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
			return string(out), "utf-8-bom"
		}
		return string(out), "utf-8"
	}

	if out, err := charmap.Windows1252.NewDecoder().Bytes(data); err == nil && utf8.Valid(out) {
		return string(out), "windows-1252"
	}

	if out, err := charmap.ISO8859_1.NewDecoder().Bytes(data); err == nil {
		return string(out), "iso-8859-1"
	}

	return string(data), "utf-8-lossy"
}
