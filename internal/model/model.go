// Package model holds the data types shared across corpusrag's
// indexing and retrieval packages.
package model

import "time"

// File is a manifest row: absolute_path -> (content hash, mtime, size),
// plus the bits every downstream component needs to reconstruct the
// source location and lexical document.
type File struct {
	AbsolutePath string
	Tenant       string
	ContentHash  string // sha1 over raw bytes
	ModTime      time.Time
	Size         int64
	Extension    string
	VirtualPath  string // path relative to the tenant's document root
}

// Chunk is a bounded, overlapping substring of a file's normalized text.
type Chunk struct {
	ChunkID        string // stable id, see chunk.ChunkID
	FileContentHash string
	PageOrSection  int
	ChunkIndex     int
	Text           string
	Metadata       map[string]string
}

// HitSource identifies which backend produced a Hit.
type HitSource string

const (
	HitSourceLexical HitSource = "lexical"
	HitSourceVector  HitSource = "vector"
)

// ExactLevel records how confidently a Hit answers an exact-phrase query.
type ExactLevel string

const (
	ExactLevelPhrase     ExactLevel = "phrase"
	ExactLevelANDFallback ExactLevel = "and_fallback"
	ExactLevelBM25        ExactLevel = "bm25"
	ExactLevelVector      ExactLevel = "vector"
)

// Hit is a single retrieved passage, normalized across backends.
type Hit struct {
	Source      HitSource
	ID          string // chunk_id or doc id, depending on Source
	Score       float64
	Path        string
	Snippet     string
	Metadata    map[string]string
	ExactLevel  ExactLevel
}

// GateMode is the query gate's routing decision.
type GateMode string

const (
	ModeExactPhrase GateMode = "exact_phrase"
	ModeHybrid      GateMode = "hybrid"
	ModeNoRAG       GateMode = "no_rag"
)

// Gate is the pre-retrieval decision about whether and how to search.
type Gate struct {
	RequireRAG bool
	Mode       GateMode
	Phrase     string // set only when Mode == ModeExactPhrase
	Reason     string
}

// Intent classifies what kind of question the strategy phase thinks
// it is answering.
type Intent string

const (
	IntentFactLookup Intent = "fact_lookup"
	IntentSummary    Intent = "summary"
	IntentComparison Intent = "comparison"
	IntentAnalysis   Intent = "analysis"
)

// Filters narrows retrieval to a subset of the corpus.
type Filters struct {
	Doctype   []string
	DateFrom  *time.Time
	DateTo    *time.Time
	Customer  string
}

// Strategy is the structured plan produced by the strategy phase.
type Strategy struct {
	Intent          Intent
	Languages       []string
	Keywords        []string
	Synonyms        map[string][]string
	Filters         Filters
	ExpandedQueries []string
	Iteration       int
}

// ValidationVerdict is the validation phase's judgment of a round.
type ValidationVerdict struct {
	Valid           bool
	NeedsIteration  bool
	Reason          string
	Coverage        float64
	RevisedStrategy *Strategy
}

// Source is a citation: a document that appears at least once in the
// assembled evidence context, numbered in order of first appearance.
type Source struct {
	N            int
	Path         string
	DisplayPath  string
	LocalURL     string
	FindingCount int
}

// ConversationState is the persisted per-conversation summary/notes row.
type ConversationState struct {
	ConversationID string
	Summary        string
	Notes          string
	UpdatedAt      time.Time
}

// Tenant is a top-level namespace with its own document root, lexical
// index, vector collections, and glossary.
type Tenant struct {
	ShortName            string
	DisplayName          string
	DocumentRoot         string
	LexicalIndexName     string
	VectorCollectionPrefix string
	Glossary             map[string]string
	TranscriptCorrections map[string]string
	ExtFilter            []string
	SystemPromptExtra    string
}
