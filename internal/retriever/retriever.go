// Package retriever runs the gated search modes against the lexical and
// vector backends, merges their hits into one ranked list, and applies
// the deterministic keyword re-ranking.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

// LexicalBackend is the narrow slice of the lexical store the retriever
// needs. *lexical.Store satisfies it.
type LexicalBackend interface {
	ExactPhrase(ctx context.Context, tenant, phrase string, limit int) ([]model.Hit, error)
	ANDFallback(ctx context.Context, tenant, phrase string, limit int) ([]model.Hit, error)
	BM25Filtered(ctx context.Context, tenant, query string, extFilter []string, limit int) ([]model.Hit, error)
}

// VectorBackend is the narrow slice of the vector store the retriever
// needs. *vectorstore.Store satisfies it.
type VectorBackend interface {
	Search(ctx context.Context, tenant, collection string, query []float32, k int) ([]model.Hit, error)
}

// Embedder turns query text into a vector. llm providers satisfy it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Weights holds the re-ranking deltas applied after merging.
type Weights struct {
	KeywordBoostPath       float64
	KeywordBoostSnippet    float64
	CompoundBonus          float64
	ExcelPenaltyRelevant   float64
	ExcelPenaltyIrrelevant float64
	PDFMsgBonus            float64
	Keywords               []string
	ExcelRelevantKeywords  []string
}

// Config holds retrieval parameters.
type Config struct {
	TopK           int
	LexicalTimeout time.Duration
	VectorTimeout  time.Duration
	Weights        Weights
}

// Result is one retrieval round's outcome. ExactExecuted and ExactEmpty
// together are the only warrant for claiming a phrase is absent from
// the corpus.
type Result struct {
	Mode          model.GateMode
	Hits          []model.Hit
	ExactExecuted bool
	ExactEmpty    bool
}

// Engine executes gated searches against both backends.
type Engine struct {
	lex      LexicalBackend
	vec      VectorBackend
	embedder Embedder
	cfg      Config
}

// New creates a retrieval engine. Zero config fields fall back to
// defaults (TopK=20, 10s per-backend timeouts).
func New(lex LexicalBackend, vec VectorBackend, embedder Embedder, cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 20
	}
	if cfg.LexicalTimeout <= 0 {
		cfg.LexicalTimeout = 10 * time.Second
	}
	if cfg.VectorTimeout <= 0 {
		cfg.VectorTimeout = 10 * time.Second
	}
	return &Engine{lex: lex, vec: vec, embedder: embedder, cfg: cfg}
}

// WithConfig returns a copy of the engine using cfg, for per-request
// overrides of limits and re-rank weights. Zero fields inherit the
// engine's current values.
func (e *Engine) WithConfig(cfg Config) *Engine {
	merged := e.cfg
	if cfg.TopK > 0 {
		merged.TopK = cfg.TopK
	}
	if cfg.LexicalTimeout > 0 {
		merged.LexicalTimeout = cfg.LexicalTimeout
	}
	if cfg.VectorTimeout > 0 {
		merged.VectorTimeout = cfg.VectorTimeout
	}
	if cfg.Weights.Keywords != nil || cfg.Weights.KeywordBoostPath != 0 ||
		cfg.Weights.KeywordBoostSnippet != 0 || cfg.Weights.CompoundBonus != 0 ||
		cfg.Weights.ExcelPenaltyRelevant != 0 || cfg.Weights.ExcelPenaltyIrrelevant != 0 ||
		cfg.Weights.PDFMsgBonus != 0 {
		merged.Weights = cfg.Weights
	}
	return &Engine{lex: e.lex, vec: e.vec, embedder: e.embedder, cfg: merged}
}

// Search runs the mode selected by gate for tenant. collections lists
// the vector collections to query in hybrid mode; an empty list queries
// the tenant's vectors without a collection filter.
func (e *Engine) Search(ctx context.Context, tenant model.Tenant, g model.Gate, query string, collections []string) (*Result, error) {
	switch g.Mode {
	case model.ModeExactPhrase:
		return e.searchExact(ctx, tenant, g.Phrase)
	case model.ModeHybrid:
		if strings.TrimSpace(query) == "" {
			return &Result{Mode: model.ModeNoRAG}, nil
		}
		return e.searchHybrid(ctx, tenant, query, collections)
	default:
		return &Result{Mode: model.ModeNoRAG}, nil
	}
}

// searchExact runs the phrase query and, on a zero-result, the AND
// fallback. The phrase round's zero-result is recorded separately from
// the fallback's hits.
func (e *Engine) searchExact(ctx context.Context, tenant model.Tenant, phrase string) (*Result, error) {
	res := &Result{Mode: model.ModeExactPhrase}
	if strings.TrimSpace(phrase) == "" {
		res.Mode = model.ModeNoRAG
		return res, nil
	}

	lctx, cancel := context.WithTimeout(ctx, e.cfg.LexicalTimeout)
	defer cancel()

	hits, err := e.lex.ExactPhrase(lctx, tenant.ShortName, phrase, e.cfg.TopK)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("retriever: exact phrase query failed", "tenant", tenant.ShortName, "error", err)
		return res, nil
	}
	res.ExactExecuted = true
	if len(hits) > 0 {
		res.Hits = hits
		return res, nil
	}
	res.ExactEmpty = true

	fallback, err := e.lex.ANDFallback(lctx, tenant.ShortName, phrase, e.cfg.TopK)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("retriever: AND fallback query failed", "tenant", tenant.ShortName, "error", err)
		return res, nil
	}
	res.Hits = fallback
	return res, nil
}

// searchHybrid fans out to both backends concurrently, merges, and
// re-ranks. A backend error or timeout contributes zero hits; only the
// caller's own cancellation aborts the search.
func (e *Engine) searchHybrid(ctx context.Context, tenant model.Tenant, query string, collections []string) (*Result, error) {
	var lexHits, vecHits []model.Hit

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		lctx, cancel := context.WithTimeout(gctx, e.cfg.LexicalTimeout)
		defer cancel()
		hits, err := e.lex.BM25Filtered(lctx, tenant.ShortName, query, tenant.ExtFilter, e.cfg.TopK)
		if err != nil {
			slog.Warn("retriever: lexical search failed, treating as zero hits",
				"tenant", tenant.ShortName, "error", err)
			return nil
		}
		lexHits = hits
		return nil
	})

	grp.Go(func() error {
		vctx, cancel := context.WithTimeout(gctx, e.cfg.VectorTimeout)
		defer cancel()
		hits, err := e.vectorSearch(vctx, tenant, query, collections)
		if err != nil {
			slog.Warn("retriever: vector search failed, treating as zero hits",
				"tenant", tenant.ShortName, "error", err)
			return nil
		}
		vecHits = hits
		return nil
	})

	if err := grp.Wait(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	merged := Merge(lexHits, vecHits)
	Rerank(merged, e.cfg.Weights)

	slog.Debug("retriever: hybrid search complete",
		"tenant", tenant.ShortName,
		"lexical_hits", len(lexHits),
		"vector_hits", len(vecHits),
		"merged", len(merged))

	return &Result{Mode: model.ModeHybrid, Hits: merged}, nil
}

func (e *Engine) vectorSearch(ctx context.Context, tenant model.Tenant, query string, collections []string) ([]model.Hit, error) {
	embeddings, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}

	if len(collections) == 0 {
		collections = []string{""}
	}
	var all []model.Hit
	for _, coll := range collections {
		hits, err := e.vec.Search(ctx, tenant.ShortName, coll, embeddings[0], e.cfg.TopK)
		if err != nil {
			return nil, err
		}
		all = append(all, hits...)
	}
	return all, nil
}

// mergeKey identifies a hit for deduplication: the path when present,
// otherwise source-qualified id.
func mergeKey(h model.Hit) string {
	if h.Path != "" {
		return h.Path
	}
	return string(h.Source) + ":" + h.ID
}

// Merge deduplicates lexical and vector hits into one list ordered
// lexical-first, each group by descending score. On a key collision
// within one source the higher score wins; across sources the lexical
// record wins, borrowing the vector snippet when its own is empty.
func Merge(lexHits, vecHits []model.Hit) []model.Hit {
	byKey := make(map[string]int)
	var out []model.Hit

	for _, h := range lexHits {
		key := mergeKey(h)
		if i, ok := byKey[key]; ok {
			if h.Score > out[i].Score {
				out[i] = h
			}
			continue
		}
		byKey[key] = len(out)
		out = append(out, h)
	}

	for _, h := range vecHits {
		key := mergeKey(h)
		if i, ok := byKey[key]; ok {
			if out[i].Source == model.HitSourceVector {
				if h.Score > out[i].Score {
					out[i] = h
				}
			} else if out[i].Snippet == "" && h.Snippet != "" {
				out[i].Snippet = h.Snippet
			}
			continue
		}
		byKey[key] = len(out)
		out = append(out, h)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source == model.HitSourceLexical
		}
		return out[i].Score > out[j].Score
	})
	return out
}

// Rerank adjusts hit scores in place with the deterministic keyword
// boosts and per-extension deltas, then restores the lexical-first,
// score-descending order.
func Rerank(hits []model.Hit, w Weights) {
	if len(hits) == 0 {
		return
	}
	for i := range hits {
		hits[i].Score += boostFor(hits[i], w)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Source != hits[j].Source {
			return hits[i].Source == model.HitSourceLexical
		}
		return hits[i].Score > hits[j].Score
	})
}

func boostFor(h model.Hit, w Weights) float64 {
	pathLower := strings.ToLower(h.Path)
	snippetLower := strings.ToLower(h.Snippet)

	var delta float64
	matched := 0
	for _, kw := range w.Keywords {
		kw = strings.ToLower(kw)
		if kw == "" {
			continue
		}
		hit := false
		if strings.Contains(pathLower, kw) {
			delta += w.KeywordBoostPath
			hit = true
		}
		if strings.Contains(snippetLower, kw) {
			delta += w.KeywordBoostSnippet
			hit = true
		}
		if hit {
			matched++
		}
	}
	if matched >= 2 {
		delta += w.CompoundBonus
	}

	switch ext(pathLower) {
	case "xlsx", "xls", "csv":
		if filenameMatchesAny(pathLower, w.ExcelRelevantKeywords) {
			delta += w.ExcelPenaltyRelevant
		} else {
			delta += w.ExcelPenaltyIrrelevant
		}
	case "pdf", "msg", "eml", "docx":
		delta += w.PDFMsgBonus
	}
	return delta
}

func ext(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 || idx == len(path)-1 {
		return ""
	}
	return path[idx+1:]
}

func filenameMatchesAny(pathLower string, keywords []string) bool {
	base := pathLower
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(base, kw) {
			return true
		}
	}
	return false
}
