package extract

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// ZipExtractor walks a zip archive's entries, extracting text from each
// member the registry recognizes, up to maxDepth levels of nested
// archives. Entries with absolute paths or ".." components are rejected
// to prevent zip-slip extraction outside the temp staging area.
type ZipExtractor struct {
	registry *Registry
	maxDepth int
}

func (e *ZipExtractor) SupportedExtensions() []string { return []string{"zip"} }

func (e *ZipExtractor) Extract(ctx context.Context, path string) (string, map[string]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", nil, fmt.Errorf("extract: opening zip %s: %w", path, err)
	}
	defer r.Close()

	var out strings.Builder
	memberCount := 0
	if err := e.walk(ctx, &r.Reader, 0, &out, &memberCount); err != nil {
		return "", nil, err
	}

	return strings.TrimSpace(out.String()), map[string]string{
		"member_count": fmt.Sprintf("%d", memberCount),
	}, nil
}

func (e *ZipExtractor) walk(ctx context.Context, zr *zip.Reader, depth int, out *strings.Builder, memberCount *int) error {
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !safeArchiveMember(f.Name) {
			continue
		}

		ext := CanonicalExt(path.Ext(f.Name))
		if ext == "zip" {
			if depth >= e.maxDepth {
				continue
			}
			if err := e.extractNested(ctx, f, depth, out, memberCount); err != nil {
				continue
			}
			continue
		}

		text, err := e.extractMember(ctx, f, ext)
		if err != nil || text == "" {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString(fmt.Sprintf("[%s]\n%s", f.Name, text))
		*memberCount++
	}
	return nil
}

func (e *ZipExtractor) extractNested(ctx context.Context, f *zip.File, depth int, out *strings.Builder, memberCount *int) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}

	nested, err := zip.NewReader(bytesReaderAt(data), int64(len(data)))
	if err != nil {
		return err
	}
	return e.walk(ctx, nested, depth+1, out, memberCount)
}

// Member is one archive entry's extracted text, keyed by its path
// inside the archive. Entries of nested archives are prefixed with the
// nested archive's own path.
type Member struct {
	Path string
	Text string
}

// ExtractMembers returns each recognized member's text separately, for
// callers that key indexed chunks by inner path rather than treating
// the archive as one flat document.
func (e *ZipExtractor) ExtractMembers(ctx context.Context, zipPath string) ([]Member, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("extract: opening zip %s: %w", zipPath, err)
	}
	defer r.Close()

	var members []Member
	e.walkMembers(ctx, &r.Reader, 0, "", &members)
	return members, nil
}

func (e *ZipExtractor) walkMembers(ctx context.Context, zr *zip.Reader, depth int, prefix string, members *[]Member) {
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !safeArchiveMember(f.Name) {
			continue
		}

		ext := CanonicalExt(path.Ext(f.Name))
		if ext == "zip" {
			if depth >= e.maxDepth {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				continue
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				continue
			}
			nested, err := zip.NewReader(bytesReaderAt(data), int64(len(data)))
			if err != nil {
				continue
			}
			e.walkMembers(ctx, nested, depth+1, prefix+f.Name+"/", members)
			continue
		}

		text, err := e.extractMember(ctx, f, ext)
		if err != nil || text == "" {
			continue
		}
		*members = append(*members, Member{Path: prefix + f.Name, Text: text})
	}
}

// extractMember stages a single archive member to a temp file (the
// registry's extractors take a path, not a reader) and runs the
// registered extractor for its extension against it.
func (e *ZipExtractor) extractMember(ctx context.Context, f *zip.File, ext string) (string, error) {
	if ext == "" {
		return "", nil
	}
	if _, err := e.registry.Get(ext); err != nil {
		return "", nil
	}

	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "corpusrag-zip-*-"+sanitizeFilename(path.Base(f.Name)))
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, rc); err != nil {
		return "", err
	}
	tmp.Close()

	text, _, err := e.registry.Extract(ctx, ext, tmp.Name())
	if err != nil {
		return "", err
	}
	return text, nil
}

// safeArchiveMember rejects absolute paths and ".." path-traversal
// components.
func safeArchiveMember(name string) bool {
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	return true
}

type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func bytesReaderAt(data []byte) io.ReaderAt {
	return byteReaderAt(data)
}
