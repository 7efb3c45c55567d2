// Package evidence turns a ranked hit list into the numbered, truncated
// context string fed to the answer stage, plus the parallel source list
// carrying the citation numbers.
package evidence

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

// Config bounds the assembled context.
type Config struct {
	MaxSources        int // documents emitted, default 6
	MaxCharsPerSource int // characters per document, default 1600
	MaxChunksPerDoc   int // chunks accepted per document, default 3
	FileBase          string
}

// Assembled is the evidence context plus its parallel source list.
type Assembled struct {
	Context string
	Sources []model.Source
}

// Assemble walks hits in rank order, grouping by source document and
// numbering each document on first encounter. With MaxSources=0 it
// returns an empty result without touching its inputs.
func Assemble(hits []model.Hit, cfg Config) Assembled {
	if cfg.MaxSources == 0 {
		return Assembled{}
	}
	if cfg.MaxSources < 0 {
		cfg.MaxSources = 6
	}
	if cfg.MaxCharsPerSource <= 0 {
		cfg.MaxCharsPerSource = 1600
	}
	if cfg.MaxChunksPerDoc <= 0 {
		cfg.MaxChunksPerDoc = 3
	}

	type doc struct {
		n      int
		path   string
		chunks []string
		chars  int
	}

	byPath := make(map[string]*doc)
	var order []*doc

	for _, h := range hits {
		path := h.Path
		if path == "" {
			path = string(h.Source) + ":" + h.ID
		}
		d, ok := byPath[path]
		if !ok {
			if len(order) >= cfg.MaxSources {
				continue
			}
			d = &doc{n: len(order) + 1, path: path}
			byPath[path] = d
			order = append(order, d)
		}
		if len(d.chunks) >= cfg.MaxChunksPerDoc {
			continue
		}
		snippet := strings.TrimSpace(h.Snippet)
		if snippet == "" {
			continue
		}
		remaining := cfg.MaxCharsPerSource - d.chars
		if remaining <= 0 {
			continue
		}
		if len(snippet) > remaining {
			snippet = snippet[:remaining]
		}
		d.chunks = append(d.chunks, snippet)
		d.chars += len(snippet)
	}

	var b strings.Builder
	sources := make([]model.Source, 0, len(order))
	for i, d := range order {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s\n", d.n, d.path)
		b.WriteString(strings.Join(d.chunks, "\n---\n"))

		sources = append(sources, model.Source{
			N:            d.n,
			Path:         d.path,
			DisplayPath:  displayPath(d.path),
			LocalURL:     localURL(cfg.FileBase, d.path),
			FindingCount: len(d.chunks),
		})
	}
	return Assembled{Context: b.String(), Sources: sources}
}

// displayPath shortens a path for the citation footer: the last two
// path elements, enough to recognize the document without the full
// tenant root.
func displayPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) <= 2 {
		return strings.Join(parts, "/")
	}
	return strings.Join(parts[len(parts)-2:], "/")
}

// localURL builds the /open link for a source when a file base is
// configured.
func localURL(fileBase, path string) string {
	if fileBase == "" {
		return ""
	}
	abs := path
	if !strings.HasPrefix(abs, "/") {
		abs = strings.TrimRight(fileBase, "/") + "/" + abs
	}
	return "/open?path=" + url.QueryEscape(abs)
}
