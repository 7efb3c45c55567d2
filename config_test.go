package corpusrag

import (
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ChunkSize != 1200 || cfg.ChunkOverlap != 180 {
		t.Errorf("chunking defaults = %d/%d", cfg.ChunkSize, cfg.ChunkOverlap)
	}
	if cfg.MaxSources != 6 || cfg.MaxCharsPerSource != 1600 {
		t.Errorf("evidence defaults = %d/%d", cfg.MaxSources, cfg.MaxCharsPerSource)
	}
	if cfg.MaxIterations != 2 {
		t.Errorf("max iterations = %d", cfg.MaxIterations)
	}
	if cfg.IndexWorkerPool != 6 || cfg.IndexBatchChunks != 256 || cfg.IndexBatchFiles != 100 {
		t.Errorf("indexer defaults = %d/%d/%d", cfg.IndexWorkerPool, cfg.IndexBatchChunks, cfg.IndexBatchFiles)
	}
	if cfg.NotFoundMessage != "Nicht in den Dokumenten gefunden." {
		t.Errorf("not-found message = %q", cfg.NotFoundMessage)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RAG_SEARCH_TOP_K", "42")
	t.Setenv("RAG_KEYWORD_BOOST_PATH", "7.5")
	t.Setenv("RAG_KEYWORDS", "befund, mangel ,defekt,")
	t.Setenv("RAG_ANSWER_MODEL", "qwen2.5:14b")
	t.Setenv("STATE_PATH", "/var/lib/corpusrag/state")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.SearchTopK != 42 {
		t.Errorf("top k = %d", cfg.SearchTopK)
	}
	if cfg.Rerank.KeywordBoostPath != 7.5 {
		t.Errorf("boost path = %f", cfg.Rerank.KeywordBoostPath)
	}
	if len(cfg.Rerank.Keywords) != 3 || cfg.Rerank.Keywords[1] != "mangel" {
		t.Errorf("keywords = %v", cfg.Rerank.Keywords)
	}
	if cfg.Answer.Model != "qwen2.5:14b" {
		t.Errorf("answer model = %q", cfg.Answer.Model)
	}
	if cfg.StatePath != "/var/lib/corpusrag/state" {
		t.Errorf("state path = %q", cfg.StatePath)
	}
}

func TestApplyEnvIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("RAG_SEARCH_TOP_K", "not-a-number")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	if cfg.SearchTopK != 20 {
		t.Errorf("top k = %d, want untouched default", cfg.SearchTopK)
	}
}

func TestResolveDBPath(t *testing.T) {
	cfg := Config{DBPath: "/explicit/path.db"}
	if got := cfg.resolveDBPath(); got != "/explicit/path.db" {
		t.Errorf("explicit path = %q", got)
	}

	cfg = Config{DBName: "corpus", StorageDir: "local"}
	if got := cfg.resolveDBPath(); got != "corpus.db" {
		t.Errorf("local path = %q", got)
	}

	cfg = Config{DBName: "corpus", StorageDir: "home"}
	got := cfg.resolveDBPath()
	if !strings.HasSuffix(got, ".corpusrag/corpus.db") {
		t.Errorf("home path = %q", got)
	}
}
