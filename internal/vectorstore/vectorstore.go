// Package vectorstore is the semantic-search backend: one sqlite-vec
// vec0 table shared by all tenants, with a metadata table keyed by
// (tenant, chunk_id) that scopes each vector to its tenant and
// optional collection.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

func init() {
	sqlite_vec.Auto()
}

const metaSchemaSQL = `
CREATE TABLE IF NOT EXISTS vector_chunks (
    id           INTEGER PRIMARY KEY,
    tenant       TEXT NOT NULL,
    collection   TEXT NOT NULL DEFAULT '',
    chunk_id     TEXT NOT NULL,
    virtual_path TEXT NOT NULL,
    snippet      TEXT NOT NULL,
    UNIQUE(tenant, chunk_id)
);

CREATE INDEX IF NOT EXISTS idx_vector_chunks_lookup ON vector_chunks(tenant, collection);
`

const vecTableTemplate = `
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    embedding float[%d]
);
`

// Store is the sqlite-vec-backed vector backend.
type Store struct {
	db  *sql.DB
	dim int
}

// New opens the vector schema against an already-open *sql.DB. dim is
// the embedding dimension (default 768).
func New(ctx context.Context, db *sql.DB, dim int) (*Store, error) {
	if dim <= 0 {
		dim = 768
	}
	if _, err := db.ExecContext(ctx, metaSchemaSQL); err != nil {
		return nil, fmt.Errorf("vectorstore: creating metadata schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(vecTableTemplate, dim)); err != nil {
		return nil, fmt.Errorf("vectorstore: creating vec0 table: %w", err)
	}
	return &Store{db: db, dim: dim}, nil
}

// Embedding is one chunk's vector plus the metadata needed to turn a
// KNN hit back into a citable passage.
type Embedding struct {
	Tenant      string
	Collection  string // optional doctype segmentation, "" for the default
	ChunkID     string
	VirtualPath string
	Snippet     string
	Vector      []float32
}

// Upsert stores or replaces one chunk's embedding, keyed by
// (tenant, chunk_id).
func (s *Store) Upsert(ctx context.Context, e Embedding) error {
	if len(e.Vector) != s.dim {
		return fmt.Errorf("vectorstore: embedding has %d dims, store configured for %d", len(e.Vector), s.dim)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorstore: upsert begin: %w", err)
	}
	defer tx.Rollback()

	var rowID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO vector_chunks (tenant, collection, chunk_id, virtual_path, snippet)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant, chunk_id) DO UPDATE SET
			collection   = excluded.collection,
			virtual_path = excluded.virtual_path,
			snippet      = excluded.snippet
		RETURNING id
	`, e.Tenant, e.Collection, e.ChunkID, e.VirtualPath, e.Snippet).Scan(&rowID)
	if err != nil {
		return fmt.Errorf("vectorstore: upsert metadata %s: %w", e.ChunkID, err)
	}

	// vec0 does not honour OR REPLACE, so drop any previous vector for
	// this row before inserting the new one.
	if _, err := tx.ExecContext(ctx, "DELETE FROM vec_chunks WHERE rowid = ?", rowID); err != nil {
		return fmt.Errorf("vectorstore: upsert embedding %s: %w", e.ChunkID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO vec_chunks (rowid, embedding) VALUES (?, ?)",
		rowID, serializeFloat32(e.Vector)); err != nil {
		return fmt.Errorf("vectorstore: upsert embedding %s: %w", e.ChunkID, err)
	}

	return tx.Commit()
}

// BulkUpsert stores embeddings in batches of batchSize (default 256,
// the indexer's configured chunk batch size).
func (s *Store) BulkUpsert(ctx context.Context, embeddings []Embedding, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 256
	}
	for start := 0; start < len(embeddings); start += batchSize {
		end := start + batchSize
		if end > len(embeddings) {
			end = len(embeddings)
		}
		for _, e := range embeddings[start:end] {
			if err := s.Upsert(ctx, e); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete removes a chunk's embedding.
func (s *Store) Delete(ctx context.Context, tenant, chunkID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM vec_chunks WHERE rowid IN (
			SELECT id FROM vector_chunks WHERE tenant = ? AND chunk_id = ?
		)
	`, tenant, chunkID)
	if err != nil {
		return fmt.Errorf("vectorstore: delete vector for %s: %w", chunkID, err)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM vector_chunks WHERE tenant = ? AND chunk_id = ?`, tenant, chunkID)
	if err != nil {
		return fmt.Errorf("vectorstore: delete metadata for %s: %w", chunkID, err)
	}
	return nil
}

// DeleteByPath removes every chunk embedding belonging to a file, used
// when a file changes and its old chunks must be replaced.
func (s *Store) DeleteByPath(ctx context.Context, tenant, virtualPath string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM vec_chunks WHERE rowid IN (
			SELECT id FROM vector_chunks WHERE tenant = ? AND virtual_path = ?
		)
	`, tenant, virtualPath)
	if err != nil {
		return fmt.Errorf("vectorstore: delete vectors for %s: %w", virtualPath, err)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM vector_chunks WHERE tenant = ? AND virtual_path = ?`, tenant, virtualPath)
	if err != nil {
		return fmt.Errorf("vectorstore: delete metadata for %s: %w", virtualPath, err)
	}
	return nil
}

// Search performs a KNN search within a tenant's collection (or all
// collections when collection is ""), returning up to k nearest hits.
func (s *Store) Search(ctx context.Context, tenant, collection string, query []float32, k int) ([]model.Hit, error) {
	if k <= 0 {
		k = 20
	}
	if len(query) != s.dim {
		return nil, fmt.Errorf("vectorstore: query embedding has %d dims, store configured for %d", len(query), s.dim)
	}

	var collClause string
	// Overfetch: the KNN candidate set is narrowed by tenant/collection
	// after the vec0 MATCH, since vec0 has no native per-tenant index.
	args := []any{serializeFloat32(query), k * 4, tenant}
	if collection != "" {
		collClause = " AND vc.collection = ?"
		args = append(args, collection)
	}

	query2 := fmt.Sprintf(`
		SELECT vc.chunk_id, vc.virtual_path, vc.snippet, v.distance
		FROM vec_chunks v
		JOIN vector_chunks vc ON vc.id = v.rowid
		WHERE v.embedding MATCH ? AND k = ? AND vc.tenant = ?%s
		ORDER BY v.distance
	`, collClause)

	rows, err := s.db.QueryContext(ctx, query2, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}
	defer rows.Close()

	var hits []model.Hit
	for rows.Next() {
		var chunkID, path, snippet string
		var distance float64
		if err := rows.Scan(&chunkID, &path, &snippet, &distance); err != nil {
			return nil, fmt.Errorf("vectorstore: scan: %w", err)
		}
		hits = append(hits, model.Hit{
			Source:     model.HitSourceVector,
			ID:         chunkID,
			Path:       path,
			Score:      1.0 - distance,
			Snippet:    snippet,
			ExactLevel: model.ExactLevelVector,
		})
		if len(hits) >= k {
			break
		}
	}
	return hits, rows.Err()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for
// sqlite-vec's vec0 storage format.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
