// Package corpusrag wires the indexer, hybrid retriever, orchestrator,
// and tenant layer into a single service usable as a library or behind
// cmd/server's HTTP surface.
package corpusrag

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/brunobiangulo/corpusrag/internal/chunk"
	"github.com/brunobiangulo/corpusrag/internal/extract"
	"github.com/brunobiangulo/corpusrag/internal/indexer"
	"github.com/brunobiangulo/corpusrag/internal/lexical"
	"github.com/brunobiangulo/corpusrag/internal/llm"
	"github.com/brunobiangulo/corpusrag/internal/manifest"
	"github.com/brunobiangulo/corpusrag/internal/model"
	"github.com/brunobiangulo/corpusrag/internal/orchestrator"
	"github.com/brunobiangulo/corpusrag/internal/retriever"
	"github.com/brunobiangulo/corpusrag/internal/tenant"
	"github.com/brunobiangulo/corpusrag/internal/vectorstore"
)

// Service is the assembled retrieval-augmented QA engine.
type Service struct {
	cfg     Config
	db      *sql.DB
	tenants *tenant.Table
	states  *tenant.StateStore

	man *manifest.Store
	lex *lexical.Store
	vec *vectorstore.Store
	idx *indexer.Indexer

	orch *orchestrator.Orchestrator

	strategyLLM llm.Provider
	answerLLM   llm.Provider
	analysisLLM llm.Provider
	embedder    llm.Provider
}

// New opens the storage backends, builds the LLM providers, and wires
// the pipeline. A broken configuration is fatal: the caller should exit.
func New(cfg Config, tenants *tenant.Table) (*Service, error) {
	if tenants == nil {
		return nil, fmt.Errorf("%w: no tenant table", ErrFatalConfig)
	}

	dbPath := cfg.resolveDBPath()
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating database directory: %v", ErrFatalConfig, err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: opening database %s: %v", ErrFatalConfig, dbPath, err)
	}

	ctx := context.Background()
	man, err := manifest.New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	lex, err := lexical.New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	vec, err := vectorstore.New(ctx, db, cfg.EmbeddingDim)
	if err != nil {
		db.Close()
		return nil, err
	}

	newProvider := func(role string, lc LLMConfig) (llm.Provider, error) {
		p, err := llm.NewProvider(llm.Config{
			Provider: lc.Provider,
			Model:    lc.Model,
			BaseURL:  lc.BaseURL,
			APIKey:   lc.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s provider: %v", ErrFatalConfig, role, err)
		}
		return p, nil
	}

	s := &Service{cfg: cfg, db: db, tenants: tenants, man: man, lex: lex, vec: vec}
	if s.strategyLLM, err = newProvider("strategy", cfg.Strategy); err != nil {
		db.Close()
		return nil, err
	}
	if s.answerLLM, err = newProvider("answer", cfg.Answer); err != nil {
		db.Close()
		return nil, err
	}
	if s.analysisLLM, err = newProvider("analysis", cfg.Analysis); err != nil {
		db.Close()
		return nil, err
	}
	if s.embedder, err = newProvider("embedding", cfg.Embedding); err != nil {
		db.Close()
		return nil, err
	}

	ret := retriever.New(lex, vec, s.embedder, retriever.Config{
		TopK:    cfg.SearchTopK,
		Weights: rerankToWeights(cfg.Rerank),
	})

	s.orch = orchestrator.New(ret, s.strategyLLM, s.answerLLM, s.analysisLLM, orchestrator.Config{
		MaxIterations:     cfg.MaxIterations,
		MaxHitsPerRound:   cfg.SearchTopK,
		MaxSources:        cfg.MaxSources,
		MaxCharsPerSource: cfg.MaxCharsPerSource,
		FileBase:          cfg.FileBase,
		NotFoundMessage:   cfg.NotFoundMessage,
	})

	s.idx = indexer.New(man, extract.NewRegistry(cfg.ZipMaxDepth),
		chunk.New(chunk.Config{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap}),
		lex, vec, s.embedder, nil, indexer.Config{
			Workers:      cfg.IndexWorkerPool,
			BatchChunks:  cfg.IndexBatchChunks,
			BatchFiles:   cfg.IndexBatchFiles,
			MinTextChars: cfg.MinTextChars,
		})

	if cfg.StatePath != "" {
		states, err := tenant.NewStateStore(cfg.StatePath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %v", ErrFatalConfig, err)
		}
		s.states = states
	}

	slog.Info("corpusrag: service ready",
		"db", dbPath,
		"tenants", tenants.ShortNames(),
		"active", tenants.Active().ShortName)
	return s, nil
}

func rerankToWeights(r RerankWeights) retriever.Weights {
	return retriever.Weights{
		KeywordBoostPath:       r.KeywordBoostPath,
		KeywordBoostSnippet:    r.KeywordBoostSnippet,
		CompoundBonus:          r.CompoundBonus,
		ExcelPenaltyRelevant:   r.ExcelPenaltyRelevant,
		ExcelPenaltyIrrelevant: r.ExcelPenaltyIrrelevant,
		PDFMsgBonus:            r.PDFMsgBonus,
		Keywords:               r.Keywords,
		ExcelRelevantKeywords:  r.ExcelRelevantKeywords,
	}
}

// Run executes one query through the pipeline, returning its event
// stream. It satisfies chatapi.Pipeline.
func (s *Service) Run(ctx context.Context, req orchestrator.Request) <-chan orchestrator.Event {
	return s.orch.Run(ctx, req)
}

// Index crawls a tenant's document root incrementally.
func (s *Service) Index(ctx context.Context, shortName string) (*indexer.Stats, error) {
	tn, ok := s.tenants.Get(shortName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, shortName)
	}
	return s.idx.Run(ctx, tn)
}

// Sweep removes records for files deleted from a tenant's root.
func (s *Service) Sweep(ctx context.Context, shortName string) (int, error) {
	tn, ok := s.tenants.Get(shortName)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTenant, shortName)
	}
	return s.idx.Sweep(ctx, tn)
}

// Tenants returns the tenant table.
func (s *Service) Tenants() *tenant.Table { return s.tenants }

// States returns the conversation state store, nil when persistence is
// disabled.
func (s *Service) States() *tenant.StateStore { return s.states }

// Lexical exposes the lexical backend for the diagnostic proxy.
func (s *Service) Lexical() *lexical.Store { return s.lex }

// Models lists the distinct model ids bound to the pipeline's roles.
func (s *Service) Models() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range []string{s.cfg.Answer.Model, s.cfg.Strategy.Model, s.cfg.Analysis.Model} {
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// AnswerModel returns the configured default answer model id.
func (s *Service) AnswerModel() string { return s.cfg.Answer.Model }

// Close releases the storage backends.
func (s *Service) Close() error {
	if s.db == nil {
		return ErrStoreClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Tenant looks up one tenant by short name.
func (s *Service) Tenant(shortName string) (model.Tenant, bool) {
	return s.tenants.Get(shortName)
}
