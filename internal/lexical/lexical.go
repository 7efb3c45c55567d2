// Package lexical is the keyword-search backend: one FTS5 document per
// file, queried by exact phrase, AND fallback, and filtered BM25.
package lexical

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS lexical_files (
    id           INTEGER PRIMARY KEY,
    tenant       TEXT NOT NULL,
    virtual_path TEXT NOT NULL,
    extension    TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    content      TEXT NOT NULL,
    UNIQUE(tenant, virtual_path)
);

CREATE VIRTUAL TABLE IF NOT EXISTS lexical_files_fts USING fts5(
    content,
    virtual_path,
    content='lexical_files',
    content_rowid='id',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS lexical_files_ai AFTER INSERT ON lexical_files BEGIN
    INSERT INTO lexical_files_fts(rowid, content, virtual_path) VALUES (new.id, new.content, new.virtual_path);
END;
CREATE TRIGGER IF NOT EXISTS lexical_files_ad AFTER DELETE ON lexical_files BEGIN
    INSERT INTO lexical_files_fts(lexical_files_fts, rowid, content, virtual_path) VALUES ('delete', old.id, old.content, old.virtual_path);
END;
CREATE TRIGGER IF NOT EXISTS lexical_files_au AFTER UPDATE ON lexical_files BEGIN
    INSERT INTO lexical_files_fts(lexical_files_fts, rowid, content, virtual_path) VALUES ('delete', old.id, old.content, old.virtual_path);
    INSERT INTO lexical_files_fts(rowid, content, virtual_path) VALUES (new.id, new.content, new.virtual_path);
END;

CREATE INDEX IF NOT EXISTS idx_lexical_files_hash ON lexical_files(content_hash);
`

// Store is the SQLite FTS5-backed lexical backend.
type Store struct {
	db *sql.DB
}

// New wraps an already-open *sql.DB and ensures the lexical schema
// exists.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("lexical: creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Document is one file's indexed lexical document.
type Document struct {
	Tenant      string
	VirtualPath string
	Extension   string
	ContentHash string
	Content     string
}

// Upsert inserts or replaces the document for a file, keyed by
// (tenant, virtual_path).
func (s *Store) Upsert(ctx context.Context, d Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lexical_files (tenant, virtual_path, extension, content_hash, content)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant, virtual_path) DO UPDATE SET
			extension    = excluded.extension,
			content_hash = excluded.content_hash,
			content      = excluded.content
	`, d.Tenant, d.VirtualPath, d.Extension, d.ContentHash, d.Content)
	if err != nil {
		return fmt.Errorf("lexical: upsert %s: %w", d.VirtualPath, err)
	}
	return nil
}

// Delete removes a file's lexical document.
func (s *Store) Delete(ctx context.Context, tenant, virtualPath string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM lexical_files WHERE tenant = ? AND virtual_path = ?`, tenant, virtualPath)
	if err != nil {
		return fmt.Errorf("lexical: delete %s: %w", virtualPath, err)
	}
	return nil
}

// BulkUpsert upserts documents in batches of batchSize, one
// transaction per batch (default 100 files).
func (s *Store) BulkUpsert(ctx context.Context, docs []Document, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("lexical: bulk upsert begin: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO lexical_files (tenant, virtual_path, extension, content_hash, content)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(tenant, virtual_path) DO UPDATE SET
				extension    = excluded.extension,
				content_hash = excluded.content_hash,
				content      = excluded.content
		`)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("lexical: bulk upsert prepare: %w", err)
		}
		for _, d := range docs[start:end] {
			if _, err := stmt.ExecContext(ctx, d.Tenant, d.VirtualPath, d.Extension, d.ContentHash, d.Content); err != nil {
				stmt.Close()
				tx.Rollback()
				return fmt.Errorf("lexical: bulk upsert %s: %w", d.VirtualPath, err)
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("lexical: bulk upsert commit: %w", err)
		}
	}
	return nil
}

// ExactPhrase runs a match_phrase-equivalent query (slop=0), returning
// up to limit hits with one highlight snippet each.
func (s *Store) ExactPhrase(ctx context.Context, tenant, phrase string, limit int) ([]model.Hit, error) {
	return s.query(ctx, tenant, ftsPhraseQuery(phrase), nil, limit, model.ExactLevelPhrase)
}

// ANDFallback runs a match query with operator=AND over the phrase's
// terms.
func (s *Store) ANDFallback(ctx context.Context, tenant, phrase string, limit int) ([]model.Hit, error) {
	return s.query(ctx, tenant, ftsAndQuery(phrase), nil, limit, model.ExactLevelANDFallback)
}

// BM25Filtered runs an AND query restricted to the given file
// extensions (the tenant's ext_filter).
func (s *Store) BM25Filtered(ctx context.Context, tenant, query string, extFilter []string, limit int) ([]model.Hit, error) {
	return s.query(ctx, tenant, ftsAndQuery(query), extFilter, limit, model.ExactLevelBM25)
}

// PhraseExists reports whether phrase occurs verbatim anywhere in the
// tenant's index.
func (s *Store) PhraseExists(ctx context.Context, tenant, phrase string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM lexical_files_fts f
		JOIN lexical_files d ON d.id = f.rowid
		WHERE d.tenant = ? AND lexical_files_fts MATCH ?
		LIMIT 1
	`, tenant, ftsPhraseQuery(phrase)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lexical: phrase exists: %w", err)
	}
	return n > 0, nil
}

func (s *Store) query(ctx context.Context, tenant, ftsQuery string, extFilter []string, limit int, level model.ExactLevel) ([]model.Hit, error) {
	if limit <= 0 {
		limit = 20
	}

	args := []any{tenant, ftsQuery}
	extClause := ""
	if len(extFilter) > 0 {
		placeholders := make([]string, len(extFilter))
		for i, ext := range extFilter {
			placeholders[i] = "?"
			args = append(args, ext)
		}
		extClause = " AND d.extension IN (" + strings.Join(placeholders, ",") + ")"
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.virtual_path, f.rank, snippet(lexical_files_fts, 0, '[', ']', '...', 16)
		FROM lexical_files_fts f
		JOIN lexical_files d ON d.id = f.rowid
		WHERE d.tenant = ? AND lexical_files_fts MATCH ?`+extClause+`
		ORDER BY f.rank
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical: query: %w", err)
	}
	defer rows.Close()

	var hits []model.Hit
	for rows.Next() {
		var path, snippet string
		var rank float64
		if err := rows.Scan(&path, &rank, &snippet); err != nil {
			return nil, fmt.Errorf("lexical: scan: %w", err)
		}
		hits = append(hits, model.Hit{
			Source:     model.HitSourceLexical,
			ID:         path,
			Path:       path,
			Score:      -rank, // FTS5 rank is negative (lower = better)
			Snippet:    snippet,
			ExactLevel: level,
		})
	}
	return hits, rows.Err()
}

// ftsPhraseQuery quotes phrase for an exact, slop=0 phrase match.
func ftsPhraseQuery(phrase string) string {
	return `"` + strings.ReplaceAll(phrase, `"`, `""`) + `"`
}

// ftsAndQuery builds a query of phrase's terms, each double-quoted;
// FTS5's implicit operator between adjacent strings is AND.
func ftsAndQuery(phrase string) string {
	fields := strings.Fields(phrase)
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}
