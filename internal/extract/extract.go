// Package extract turns a file on disk into plain text, dispatching on
// the file's canonical extension to a format-specific Extractor.
package extract

import (
	"context"
	"fmt"
	"strings"
)

// Extractor produces text and a small metadata bag from a single file.
// Implementations must not retain path beyond the call.
type Extractor interface {
	Extract(ctx context.Context, path string) (text string, meta map[string]string, err error)
	SupportedExtensions() []string
}

// Registry dispatches extraction by canonical (lowercased, dot-less)
// extension.
type Registry struct {
	extractors map[string]Extractor
	zipDepth   int
}

// NewRegistry builds a Registry with every built-in extractor
// registered. zipMaxDepth bounds recursive archive descent (0 still
// extracts an archive's top-level members but skips nested archives).
func NewRegistry(zipMaxDepth int) *Registry {
	r := &Registry{extractors: make(map[string]Extractor), zipDepth: zipMaxDepth}

	builtins := []Extractor{
		&TextExtractor{},
		&PDFExtractor{},
		&DOCXExtractor{},
		&XLSXExtractor{},
		&PPTXExtractor{},
		&HTMLExtractor{},
		&MSGExtractor{},
		&EMLExtractor{registry: r},
	}
	for _, e := range builtins {
		for _, ext := range e.SupportedExtensions() {
			r.extractors[ext] = e
		}
	}
	r.extractors["zip"] = &ZipExtractor{registry: r, maxDepth: zipMaxDepth}
	return r
}

// Register adds or overrides the extractor for an extension.
func (r *Registry) Register(ext string, e Extractor) {
	r.extractors[CanonicalExt(ext)] = e
}

// Get returns the extractor registered for ext, or an error if none
// is registered.
func (r *Registry) Get(ext string) (Extractor, error) {
	e, ok := r.extractors[CanonicalExt(ext)]
	if !ok {
		return nil, fmt.Errorf("extract: no extractor for extension %q", ext)
	}
	return e, nil
}

// Extract looks up the extractor for ext and runs it against path.
func (r *Registry) Extract(ctx context.Context, ext, path string) (string, map[string]string, error) {
	e, err := r.Get(ext)
	if err != nil {
		return "", nil, err
	}
	return e.Extract(ctx, path)
}

// CanonicalExt normalizes a file extension: lowercase, no leading dot.
func CanonicalExt(ext string) string {
	ext = strings.ToLower(ext)
	return strings.TrimPrefix(ext, ".")
}
