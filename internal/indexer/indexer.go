// Package indexer keeps the lexical and vector backends in sync with a
// tenant's document root: a bounded worker pool extracts and chunks
// changed files, a single sink batches upserts to both backends, and
// the manifest commits each file only after both backends acknowledged
// its batch.
package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/karrick/godirwalk"
	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/corpusrag/internal/chunk"
	"github.com/brunobiangulo/corpusrag/internal/extract"
	"github.com/brunobiangulo/corpusrag/internal/lexical"
	"github.com/brunobiangulo/corpusrag/internal/manifest"
	"github.com/brunobiangulo/corpusrag/internal/model"
	"github.com/brunobiangulo/corpusrag/internal/vectorstore"
)

// LexicalSink is the slice of the lexical store the indexer writes to.
type LexicalSink interface {
	BulkUpsert(ctx context.Context, docs []lexical.Document, batchSize int) error
	Delete(ctx context.Context, tenant, virtualPath string) error
}

// VectorSink is the slice of the vector store the indexer writes to.
type VectorSink interface {
	BulkUpsert(ctx context.Context, embeddings []vectorstore.Embedding, batchSize int) error
	DeleteByPath(ctx context.Context, tenant, virtualPath string) error
}

// Embedder turns chunk texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Walker abstracts the filesystem crawl for testability.
type Walker interface {
	Walk(root string, fn func(path string) error) error
}

// DirWalker is the production Walker, crawling with godirwalk.
type DirWalker struct{}

func (DirWalker) Walk(root string, fn func(path string) error) error {
	return godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				if strings.HasPrefix(de.Name(), ".") && osPathname != root {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(de.Name(), ".") {
				return nil
			}
			return fn(osPathname)
		},
		Unsorted:            false,
		FollowSymbolicLinks: false,
		ErrorCallback: func(path string, err error) godirwalk.ErrorAction {
			slog.Warn("indexer: walk error, skipping node", "path", path, "error", err)
			return godirwalk.SkipNode
		},
	})
}

// Config bounds the indexing run.
type Config struct {
	Workers      int // worker pool size, default 6
	BatchChunks  int // vector upsert batch, default 256
	BatchFiles   int // lexical upsert batch, default 100
	MinTextChars int // extracted texts shorter than this are not indexed
}

// Stats summarizes one indexing run.
type Stats struct {
	Seen    int
	Indexed int
	Skipped int
	Failed  int
	Chunks  int
	Removed int // orphan-swept files

	mu       sync.Mutex
	Failures map[string]int // extension -> count
}

func (s *Stats) tallyFailure(ext string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Failures == nil {
		s.Failures = make(map[string]int)
	}
	s.Failures[ext]++
}

// Indexer crawls a tenant's document root incrementally.
type Indexer struct {
	man      *manifest.Store
	registry *extract.Registry
	chunker  *chunk.Chunker
	lex      LexicalSink
	vec      VectorSink
	embedder Embedder
	walker   Walker
	cfg      Config
}

// New creates an indexer. walker may be nil for the default filesystem
// crawl.
func New(man *manifest.Store, registry *extract.Registry, chunker *chunk.Chunker, lex LexicalSink, vec VectorSink, embedder Embedder, walker Walker, cfg Config) *Indexer {
	if cfg.Workers <= 0 {
		cfg.Workers = 6
	}
	if cfg.BatchChunks <= 0 {
		cfg.BatchChunks = 256
	}
	if cfg.BatchFiles <= 0 {
		cfg.BatchFiles = 100
	}
	if walker == nil {
		walker = DirWalker{}
	}
	return &Indexer{
		man:      man,
		registry: registry,
		chunker:  chunker,
		lex:      lex,
		vec:      vec,
		embedder: embedder,
		walker:   walker,
		cfg:      cfg,
	}
}

// fileResult is one processed file handed from a worker to the sink.
type fileResult struct {
	file       model.File
	doc        *lexical.Document     // nil when the file produced no text
	embeddings []vectorstore.Embedding
	replaced   bool // a previous version existed; old vectors must go
}

// Run crawls root once, indexing new and changed files. Ordering
// between files is not guaranteed; chunk order within a file is.
// Cancellation is cooperative at file boundaries.
func (ix *Indexer) Run(ctx context.Context, tenant model.Tenant) (*Stats, error) {
	stats := &Stats{}

	paths := make(chan string, ix.cfg.Workers*2)
	results := make(chan fileResult, ix.cfg.Workers*2)

	grp, gctx := errgroup.WithContext(ctx)

	// Producer: filesystem crawl.
	grp.Go(func() error {
		defer close(paths)
		return ix.walker.Walk(tenant.DocumentRoot, func(path string) error {
			select {
			case paths <- path:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	// Worker pool.
	var workers errgroup.Group
	workers.SetLimit(ix.cfg.Workers)
	workerDone := make(chan error, 1)
	go func() {
		for path := range paths {
			if gctx.Err() != nil {
				break
			}
			p := path
			workers.Go(func() error {
				res, action := ix.processFile(gctx, tenant, p, stats)
				if action == fileIndexed {
					select {
					case results <- *res:
					case <-gctx.Done():
					}
				}
				return nil
			})
		}
		workerDone <- workers.Wait()
		close(results)
	}()

	// Sink: single writer to both backends and the manifest.
	sinkErr := ix.drain(gctx, results, stats)

	if err := grp.Wait(); err != nil && ctx.Err() == nil {
		return stats, fmt.Errorf("indexer: walking %s: %w", tenant.DocumentRoot, err)
	}
	<-workerDone
	if sinkErr != nil {
		return stats, sinkErr
	}
	if ctx.Err() != nil {
		return stats, ctx.Err()
	}

	slog.Info("indexer: run complete",
		"tenant", tenant.ShortName,
		"seen", stats.Seen,
		"indexed", stats.Indexed,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"chunks", stats.Chunks)
	return stats, nil
}

type fileAction int

const (
	fileSkipped fileAction = iota
	fileIndexed
	fileFailed
)

// processFile runs one worker's share: stat, manifest check, extract,
// chunk, embed.
func (ix *Indexer) processFile(ctx context.Context, tenant model.Tenant, path string, stats *Stats) (*fileResult, fileAction) {
	stats.mu.Lock()
	stats.Seen++
	stats.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		slog.Warn("indexer: stat failed", "path", path, "error", err)
		stats.mu.Lock()
		stats.Failed++
		stats.mu.Unlock()
		return nil, fileFailed
	}

	ext := extract.CanonicalExt(filepath.Ext(path))
	if _, err := ix.registry.Get(ext); err != nil {
		stats.mu.Lock()
		stats.Skipped++
		stats.mu.Unlock()
		return nil, fileSkipped
	}

	// The manifest's (mtime, size) match is the sole "already indexed at
	// this version" test; the hash is recomputed only on a miss.
	prev, err := ix.man.Get(ctx, tenant.ShortName, path)
	if err == nil && prev != nil && prev.ModTime.Unix() == info.ModTime().Unix() && prev.Size == info.Size() {
		stats.mu.Lock()
		stats.Skipped++
		stats.mu.Unlock()
		return nil, fileSkipped
	}

	hash, err := fileSHA1(path)
	if err != nil {
		slog.Warn("indexer: hashing failed", "path", path, "error", err)
		stats.mu.Lock()
		stats.Failed++
		stats.mu.Unlock()
		return nil, fileFailed
	}

	virtual, err := filepath.Rel(tenant.DocumentRoot, path)
	if err != nil {
		virtual = filepath.Base(path)
	}
	virtual = filepath.ToSlash(virtual)

	file := model.File{
		AbsolutePath: path,
		Tenant:       tenant.ShortName,
		ContentHash:  hash,
		ModTime:      info.ModTime(),
		Size:         info.Size(),
		Extension:    ext,
		VirtualPath:  virtual,
	}

	res := &fileResult{file: file, replaced: prev != nil && prev.ContentHash != hash}

	// Content unchanged under a touched mtime: recommit the manifest row
	// so the next pass skips on (mtime, size), but leave both backends
	// alone — their records are already current.
	if prev != nil && prev.ContentHash == hash {
		res.replaced = false
		return res, fileIndexed
	}

	text, _, err := ix.extractText(ctx, ext, path, hash, virtual, res)
	if err != nil {
		slog.Warn("indexer: extraction failed", "path", path, "error", err)
		stats.tallyFailure(ext)
		stats.mu.Lock()
		stats.Failed++
		stats.mu.Unlock()
		// The file stays marked empty for this pass; the manifest row is
		// still committed so it is retried only on the next content change.
		res.embeddings = nil
		return res, fileIndexed
	}

	if len(text) < ix.cfg.MinTextChars || strings.TrimSpace(text) == "" {
		return res, fileIndexed
	}

	res.doc = &lexical.Document{
		Tenant:      tenant.ShortName,
		VirtualPath: virtual,
		Extension:   ext,
		ContentHash: hash,
		Content:     text,
	}

	if res.embeddings == nil { // non-archive: chunk the flat text
		if err := ix.appendChunks(ctx, tenant, res, virtual, text, chunkIDForFile(virtual)); err != nil {
			slog.Warn("indexer: embedding failed", "path", path, "error", err)
			stats.tallyFailure(ext)
			stats.mu.Lock()
			stats.Failed++
			stats.mu.Unlock()
			res.embeddings = nil
		}
	}

	stats.mu.Lock()
	stats.Indexed++
	stats.Chunks += len(res.embeddings)
	stats.mu.Unlock()
	return res, fileIndexed
}

// extractText extracts a file's text. Archives are special-cased: each
// member is chunked under its archive chunk-id, and the returned text
// is the concatenation for the lexical document.
func (ix *Indexer) extractText(ctx context.Context, ext, path, hash, virtual string, res *fileResult) (string, map[string]string, error) {
	if ext == "zip" {
		zipExtractor, err := ix.registry.Get("zip")
		if err != nil {
			return "", nil, err
		}
		ze, ok := zipExtractor.(*extract.ZipExtractor)
		if !ok {
			return zipExtractor.Extract(ctx, path)
		}
		members, err := ze.ExtractMembers(ctx, path)
		if err != nil {
			return "", nil, err
		}
		var all strings.Builder
		for _, m := range members {
			if all.Len() > 0 {
				all.WriteString("\n\n")
			}
			fmt.Fprintf(&all, "[%s]\n%s", m.Path, m.Text)
			idFn := func(i int) string { return chunk.ArchiveChunkID(hash, m.Path, i) }
			if err := ix.appendChunks(ctx, model.Tenant{ShortName: res.file.Tenant}, res, virtual, m.Text, idFn); err != nil {
				return "", nil, err
			}
		}
		if res.embeddings == nil {
			res.embeddings = []vectorstore.Embedding{}
		}
		return all.String(), map[string]string{"member_count": fmt.Sprintf("%d", len(members))}, nil
	}
	return ix.registry.Extract(ctx, ext, path)
}

func chunkIDForFile(virtual string) func(int) string {
	return func(i int) string { return chunk.ChunkID(virtual, i) }
}

// appendChunks splits text, embeds the fragments, and appends the
// resulting vector records to res.
func (ix *Indexer) appendChunks(ctx context.Context, tenant model.Tenant, res *fileResult, virtual, text string, idFn func(int) string) error {
	frags := ix.chunker.Split(text)
	if len(frags) == 0 {
		return nil
	}
	texts := make([]string, len(frags))
	for i, f := range frags {
		texts[i] = f.Text
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %s: %w", virtual, err)
	}
	if len(vectors) != len(frags) {
		return fmt.Errorf("embedding %s: got %d vectors for %d chunks", virtual, len(vectors), len(frags))
	}
	for i, f := range frags {
		res.embeddings = append(res.embeddings, vectorstore.Embedding{
			Tenant:      tenant.ShortName,
			ChunkID:     idFn(f.Index),
			VirtualPath: virtual,
			Snippet:     f.Text,
			Vector:      vectors[i],
		})
	}
	return nil
}

// drain is the sink: it batches worker output and flushes to both
// backends, committing manifest rows only after both acknowledged.
func (ix *Indexer) drain(ctx context.Context, results <-chan fileResult, stats *Stats) error {
	var (
		docs       []lexical.Document
		embeddings []vectorstore.Embedding
		files      []model.File
		replaced   []model.File
	)

	flush := func() error {
		if len(files) == 0 {
			return nil
		}
		for _, f := range replaced {
			if err := ix.vec.DeleteByPath(ctx, f.Tenant, f.VirtualPath); err != nil {
				return fmt.Errorf("indexer: clearing stale vectors for %s: %w", f.VirtualPath, err)
			}
			if err := ix.lex.Delete(ctx, f.Tenant, f.VirtualPath); err != nil {
				return fmt.Errorf("indexer: clearing stale document for %s: %w", f.VirtualPath, err)
			}
		}
		if len(docs) > 0 {
			if err := ix.lex.BulkUpsert(ctx, docs, ix.cfg.BatchFiles); err != nil {
				return fmt.Errorf("indexer: lexical upsert: %w", err)
			}
		}
		if len(embeddings) > 0 {
			if err := ix.vec.BulkUpsert(ctx, embeddings, ix.cfg.BatchChunks); err != nil {
				return fmt.Errorf("indexer: vector upsert: %w", err)
			}
		}
		for _, f := range files {
			if err := ix.man.Upsert(ctx, f); err != nil {
				return fmt.Errorf("indexer: manifest commit: %w", err)
			}
		}
		docs, embeddings, files, replaced = docs[:0], embeddings[:0], files[:0], replaced[:0]
		return nil
	}

	var failed error
	for res := range results {
		if failed != nil {
			continue // keep draining so workers never block on a dead sink
		}
		files = append(files, res.file)
		if res.replaced {
			replaced = append(replaced, res.file)
		}
		if res.doc != nil {
			docs = append(docs, *res.doc)
		}
		embeddings = append(embeddings, res.embeddings...)

		if len(files) >= ix.cfg.BatchFiles || len(embeddings) >= ix.cfg.BatchChunks {
			failed = flush()
		}
	}
	if failed != nil {
		return failed
	}
	return flush()
}

// Sweep removes manifest, lexical, and vector records for files that no
// longer exist on disk. It is a separately triggered operation, never
// part of Run.
func (ix *Indexer) Sweep(ctx context.Context, tenant model.Tenant) (int, error) {
	onRecord, err := ix.man.BeginSweep(ctx, tenant.ShortName)
	if err != nil {
		return 0, err
	}

	stale := make(map[string]struct{})
	for path := range onRecord {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			stale[path] = struct{}{}
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	for path := range stale {
		row, err := ix.man.Get(ctx, tenant.ShortName, path)
		if err != nil || row == nil {
			continue
		}
		if err := ix.lex.Delete(ctx, tenant.ShortName, row.VirtualPath); err != nil {
			return 0, fmt.Errorf("indexer: sweeping lexical %s: %w", row.VirtualPath, err)
		}
		if err := ix.vec.DeleteByPath(ctx, tenant.ShortName, row.VirtualPath); err != nil {
			return 0, fmt.Errorf("indexer: sweeping vectors %s: %w", row.VirtualPath, err)
		}
	}

	n, err := ix.man.SweepOrphans(ctx, tenant.ShortName, stale)
	if err != nil {
		return n, err
	}
	slog.Info("indexer: sweep complete", "tenant", tenant.ShortName, "removed", n)
	return n, nil
}

// fileSHA1 hashes a file's raw bytes; the hash is the file's version
// key throughout the system.
func fileSHA1(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
