package corpusrag

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// RerankWeights holds the deterministic keyword-boost weights the
// hybrid retriever applies after merging lexical and vector hits.
type RerankWeights struct {
	KeywordBoostPath       float64 `json:"keyword_boost_path" yaml:"keyword_boost_path"`
	KeywordBoostSnippet    float64 `json:"keyword_boost_snippet" yaml:"keyword_boost_snippet"`
	CompoundBonus          float64 `json:"compound_bonus" yaml:"compound_bonus"`
	ExcelPenaltyRelevant   float64 `json:"excel_penalty_relevant" yaml:"excel_penalty_relevant"`
	ExcelPenaltyIrrelevant float64 `json:"excel_penalty_irrelevant" yaml:"excel_penalty_irrelevant"`
	PDFMsgBonus            float64 `json:"pdf_msg_bonus" yaml:"pdf_msg_bonus"`
	Keywords               []string `json:"keywords" yaml:"keywords"`
	ExcelRelevantKeywords  []string `json:"excel_relevant_keywords" yaml:"excel_relevant_keywords"`
}

// Config holds all configuration for the corpusrag engine.
type Config struct {
	// DBPath is the full path to the SQLite database file. If empty,
	// defaults to ~/.corpusrag/<DBName>.db.
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is used to derive DBPath when DBPath is empty.
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database lives when DBPath is not
	// set explicitly. "home" (default) uses ~/.corpusrag/, "local" uses
	// the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers, one per named role in the orchestrator.
	Strategy  LLMConfig `json:"strategy" yaml:"strategy"`
	Answer    LLMConfig `json:"answer" yaml:"answer"`
	Analysis  LLMConfig `json:"analysis" yaml:"analysis"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Chunking.
	ChunkSize    int `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap"`
	MinTextChars int `json:"min_text_chars" yaml:"min_text_chars"`

	// Retrieval and evidence-assembly limits.
	SearchTopK        int `json:"search_top_k" yaml:"search_top_k"`
	MaxContextDocs    int `json:"max_context_docs" yaml:"max_context_docs"`
	MaxSources        int `json:"max_sources" yaml:"max_sources"`
	MaxCharsPerSource int `json:"max_chars_per_source" yaml:"max_chars_per_source"`

	Rerank RerankWeights `json:"rerank" yaml:"rerank"`

	// MaxIterations bounds the orchestrator's retrieval/validation loop.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`

	// EmbeddingDim must match the embedding model's output size.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// IndexWorkerPool bounds indexer concurrency.
	IndexWorkerPool  int `json:"index_worker_pool" yaml:"index_worker_pool"`
	IndexBatchChunks int `json:"index_batch_chunks" yaml:"index_batch_chunks"`
	IndexBatchFiles  int `json:"index_batch_files" yaml:"index_batch_files"`

	// ZipMaxDepth bounds recursive archive descent during extraction.
	ZipMaxDepth int `json:"zip_max_depth" yaml:"zip_max_depth"`

	// FileBase is the document root prefixed to relative source paths
	// when building their /open?path= links.
	FileBase string `json:"file_base" yaml:"file_base"`

	// StatePath is the directory holding per-conversation state files.
	StatePath string `json:"state_path" yaml:"state_path"`

	// NotFoundMessage is returned verbatim when evidence is empty.
	NotFoundMessage string `json:"not_found_message" yaml:"not_found_message"`
}

// DefaultConfig returns a Config with sensible defaults for local
// inference. The database is stored in ~/.corpusrag/corpusrag.db by
// default.
func DefaultConfig() Config {
	return Config{
		DBName:     "corpusrag",
		StorageDir: "home",
		Strategy: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Answer: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Analysis: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		ChunkSize:         1200,
		ChunkOverlap:      180,
		MinTextChars:      1,
		SearchTopK:        20,
		MaxContextDocs:    6,
		MaxSources:        6,
		MaxCharsPerSource: 1600,
		Rerank: RerankWeights{
			KeywordBoostPath:       5,
			KeywordBoostSnippet:    2,
			CompoundBonus:          3,
			ExcelPenaltyRelevant:   -1,
			ExcelPenaltyIrrelevant: -4,
			PDFMsgBonus:            2,
		},
		MaxIterations:    2,
		EmbeddingDim:     768,
		IndexWorkerPool:  6,
		IndexBatchChunks: 256,
		IndexBatchFiles:  100,
		ZipMaxDepth:      2,
		NotFoundMessage:  "Nicht in den Dokumenten gefunden.",
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "corpusrag"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db"
		}
		dir := filepath.Join(home, ".corpusrag")
		return filepath.Join(dir, name+".db")
	}
}

// ApplyEnv overrides Config fields from the environment variables named
// below. Unset variables leave the existing value untouched.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("RAG_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("FILE_BASE"); v != "" {
		c.FileBase = v
	}
	if v := os.Getenv("STATE_PATH"); v != "" {
		c.StatePath = v
	}
	if v := os.Getenv("RAG_LLM_BASE_URL"); v != "" {
		c.Strategy.BaseURL = v
		c.Answer.BaseURL = v
		c.Analysis.BaseURL = v
	}
	if v := os.Getenv("RAG_STRATEGY_MODEL"); v != "" {
		c.Strategy.Model = v
	}
	if v := os.Getenv("RAG_ANSWER_MODEL"); v != "" {
		c.Answer.Model = v
	}
	if v := os.Getenv("RAG_ANALYSIS_MODEL"); v != "" {
		c.Analysis.Model = v
	}
	if v := os.Getenv("RAG_EMBED_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("RAG_EMBED_BASE_URL"); v != "" {
		c.Embedding.BaseURL = v
	}
	envInt("RAG_EMBEDDING_DIM", &c.EmbeddingDim)
	envInt("RAG_MAX_ITERATIONS", &c.MaxIterations)
	envInt("CHUNK_SIZE", &c.ChunkSize)
	envInt("CHUNK_OVERLAP", &c.ChunkOverlap)
	envInt("MIN_TEXT_CHARS", &c.MinTextChars)
	envInt("RAG_SEARCH_TOP_K", &c.SearchTopK)
	envInt("RAG_MAX_CONTEXT_DOCS", &c.MaxContextDocs)
	envInt("RAG_MAX_SOURCES", &c.MaxSources)
	envFloat("RAG_KEYWORD_BOOST_PATH", &c.Rerank.KeywordBoostPath)
	envFloat("RAG_KEYWORD_BOOST_SNIPPET", &c.Rerank.KeywordBoostSnippet)
	envFloat("RAG_KEYWORD_BOOST_COMPOUND_BONUS", &c.Rerank.CompoundBonus)
	envFloat("RAG_EXCEL_PENALTY_RELEVANT", &c.Rerank.ExcelPenaltyRelevant)
	envFloat("RAG_EXCEL_PENALTY_IRRELEVANT", &c.Rerank.ExcelPenaltyIrrelevant)
	envFloat("RAG_PDF_MSG_BONUS", &c.Rerank.PDFMsgBonus)
	if v := os.Getenv("RAG_KEYWORDS"); v != "" {
		c.Rerank.Keywords = splitCommaList(v)
	}
	if v := os.Getenv("RAG_EXCEL_RELEVANT_KEYWORDS"); v != "" {
		c.Rerank.ExcelRelevantKeywords = splitCommaList(v)
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func envFloat(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
